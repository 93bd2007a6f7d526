package eg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kevinxiao27/treesync/internal/metrics"
	"github.com/kevinxiao27/treesync/ol"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/workspace"
)

// captureIntents re-applies the operations of v to the tree of its base
// version, which recovers the positional context every operation had when it
// was recorded.
func captureIntents(ctx context.Context, arena *Arena, v *Version) ([]ol.Applied, error) {
	if v.kind != Regular || len(v.ops) == 0 {
		return nil, nil
	}
	base, err := arena.Get(ctx, v.base)
	if err != nil {
		return nil, err
	}
	t := base.tree
	intents := make([]ol.Applied, 0, len(v.ops))
	for _, op := range v.ops {
		var applied ol.Applied
		t, applied, err = op.Apply(t)
		if err != nil {
			return nil, fmt.Errorf("capture %s of %s: %w", op, v, err)
		}
		intents = append(intents, applied)
	}
	return intents, nil
}

// checkout replays the operations of history on top of base, each one
// retargeted against the tree as it is at that point of the replay. It
// returns the operations that were applied and the resulting tree.
func checkout(ctx context.Context, arena *Arena, logger *slog.Logger, base *tree.Tree, history []*Version) ([]ol.Op, *tree.Tree, error) {
	ws := workspace.New(base, nil)
	err := ws.RunWrite(func(tx *workspace.WriteTx) error {
		for _, v := range history {
			if err := ctx.Err(); err != nil {
				return err
			}
			intents, err := captureIntents(ctx, arena, v)
			if err != nil {
				return err
			}
			for _, intent := range intents {
				op, ok := intent.Retarget(tx.Tree())
				if !ok {
					metrics.DroppedOps.Inc()
					continue
				}
				if err := tx.Apply(op); err != nil {
					// Dropped the same way on every replica.
					logger.Warn("dropping operation that does not apply to merged tree",
						slog.String("version", v.hash),
						slog.String("op", op.String()),
						slog.String("error", err.Error()))
					metrics.DroppedOps.Inc()
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	applied, result := ws.PendingChanges()
	return ol.Originals(applied), result, nil
}
