package replica

import (
	"log/slog"
	"time"

	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
)

const (
	DefaultTickPeriod     = time.Second
	DefaultWatchdogFactor = 5
	DefaultWorkers        = 2
	DefaultMaxAttempts    = 3

	// divergenceLimit is the number of consecutive diverged liveness checks
	// after which the counter starts over.
	divergenceLimit = 5
)

type Config struct {
	Branch   string
	ClientID uint32
	Author   string

	// TickPeriod is the interval of the liveness check, which also polls the
	// branch pointer and retries failed publishes.
	TickPeriod time.Duration
	// WatchdogFactor bounds a tick to WatchdogFactor*TickPeriod.
	WatchdogFactor int
	Workers        int
	// MaxAttempts is the number of optimistic compare-and-swap attempts
	// before the coordinator retries while holding its lock.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.TickPeriod <= 0 {
		c.TickPeriod = DefaultTickPeriod
	}
	if c.WatchdogFactor <= 0 {
		c.WatchdogFactor = DefaultWatchdogFactor
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Objects  store.ObjectStore
	Branches store.BranchStore
	Logger   *slog.Logger
	// OnChange, if set, receives the differences whenever remote changes are
	// adopted into the workspace.
	OnChange tree.ChangeVisitor
}
