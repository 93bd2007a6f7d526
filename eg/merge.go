package eg

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kevinxiao27/treesync/internal/metrics"
)

var tracer = otel.Tracer("treesync.eg")

const DefaultMergeCacheSize = 256

// Merger merges versions of one arena. MergeChange is a pure function of the
// two input hashes, so results are cached by the unordered pair.
type Merger struct {
	arena  *Arena
	logger *slog.Logger
	flight singleflight.Group

	mu        sync.Mutex
	cache     map[string]*list.Element
	lru       *list.List
	cacheSize int
}

type cacheEntry struct {
	key    string
	result *Version
}

func NewMerger(arena *Arena, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		arena:     arena,
		logger:    logger.With(slog.String("component", "merger")),
		cache:     map[string]*list.Element{},
		lru:       list.New(),
		cacheSize: DefaultMergeCacheSize,
	}
}

func (m *Merger) Arena() *Arena {
	return m.arena
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (m *Merger) cached(key string) (*Version, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	m.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

func (m *Merger) remember(key string, v *Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.cache[key]; ok {
		m.lru.MoveToFront(el)
		return
	}
	m.cache[key] = m.lru.PushFront(&cacheEntry{key: key, result: v})
	for m.lru.Len() > m.cacheSize {
		oldest := m.lru.Back()
		m.lru.Remove(oldest)
		delete(m.cache, oldest.Value.(*cacheEntry).key)
	}
}

// MergeChange merges v1 and v2. If one contains the other, the newer one is
// returned as is. Otherwise the operations both sides added since their common
// ancestor are replayed on the ancestor's tree and a new merge version is
// returned. The result only depends on the hashes of the inputs.
func (m *Merger) MergeChange(ctx context.Context, v1, v2 *Version) (*Version, error) {
	if v1.hash == v2.hash {
		metrics.MergesTotal.WithLabelValues("identical").Inc()
		return v1, nil
	}
	if v1.tree.ID() != v2.tree.ID() {
		metrics.MergesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s, %s", ErrTreeIDMismatch, v1.tree.ID(), v2.tree.ID())
	}

	key := pairKey(v1.hash, v2.hash)
	if v, ok := m.cached(key); ok {
		metrics.MergesTotal.WithLabelValues("cached").Inc()
		return v, nil
	}
	result, err, _ := m.flight.Do(key, func() (interface{}, error) {
		return m.merge(ctx, v1, v2)
	})
	if err != nil {
		metrics.MergesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	merged := result.(*Version)
	m.remember(key, merged)
	return merged, nil
}

func (m *Merger) merge(ctx context.Context, v1, v2 *Version) (*Version, error) {
	ctx, span := tracer.Start(ctx, "eg.MergeChange",
		trace.WithAttributes(
			attribute.String("treesync.version1", v1.hash),
			attribute.String("treesync.version2", v2.hash),
		),
	)
	defer span.End()

	fail := func(err error) (*Version, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	anc1, err := Ancestors(ctx, m.arena, v1)
	if err != nil {
		return fail(err)
	}
	anc2, err := Ancestors(ctx, m.arena, v2)
	if err != nil {
		return fail(err)
	}

	if anc2.Contains(v1.hash) {
		return m.shortcut(span, "fast_forward", v2), nil
	}
	if anc1.Contains(v2.hash) {
		return m.shortcut(span, "fast_forward", v1), nil
	}

	nonMerges1, err := m.nonMerges(ctx, anc1)
	if err != nil {
		return fail(err)
	}
	nonMerges2, err := m.nonMerges(ctx, anc2)
	if err != nil {
		return fail(err)
	}
	if nonMerges1.Equal(nonMerges2) {
		// Both sides contain the same changes, merged in different ways.
		pick := v1
		if compareVersions(v2, v1) < 0 {
			pick = v2
		}
		return m.shortcut(span, "same_changes", pick), nil
	}

	common, err := m.commonAncestor(ctx, anc1, anc2)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("treesync.common", common.hash))

	start := time.Now()
	history, err := Linearize(ctx, m.arena, common.hash, v1, v2)
	if err != nil {
		return fail(err)
	}
	history = NonMerges(history)
	ops, merged, err := checkout(ctx, m.arena, m.logger, common.tree, history)
	if err != nil {
		return fail(err)
	}
	result, err := newMerge(v1, v2, merged, ops)
	if err != nil {
		return fail(err)
	}
	m.arena.Add(result)

	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	metrics.ReplayedOps.Observe(float64(len(ops)))
	metrics.MergesTotal.WithLabelValues("replayed").Inc()
	span.SetAttributes(
		attribute.Int("treesync.replayed_versions", len(history)),
		attribute.Int("treesync.replayed_ops", len(ops)),
	)
	span.SetStatus(codes.Ok, "")
	m.logger.Debug("merged versions",
		slog.String("version1", v1.hash),
		slog.String("version2", v2.hash),
		slog.String("common", common.hash),
		slog.String("result", result.hash),
		slog.Int("replayed_ops", len(ops)))
	return result, nil
}

func (m *Merger) shortcut(span trace.Span, reason string, v *Version) *Version {
	metrics.MergesTotal.WithLabelValues(reason).Inc()
	span.SetAttributes(attribute.String("treesync.merge_result", reason))
	span.SetStatus(codes.Ok, "")
	return v
}

func (m *Merger) nonMerges(ctx context.Context, hashes mapset.Set[string]) (mapset.Set[string], error) {
	result := mapset.NewThreadUnsafeSet[string]()
	for _, hash := range hashes.ToSlice() {
		v, err := m.arena.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !v.IsMerge() {
			result.Add(hash)
		}
	}
	return result, nil
}

// CommonAncestor returns the nearest version both v1 and v2 descend from.
func (m *Merger) CommonAncestor(ctx context.Context, v1, v2 *Version) (*Version, error) {
	anc1, err := Ancestors(ctx, m.arena, v1)
	if err != nil {
		return nil, err
	}
	anc2, err := Ancestors(ctx, m.arena, v2)
	if err != nil {
		return nil, err
	}
	return m.commonAncestor(ctx, anc1, anc2)
}

// commonAncestor picks among the common ancestors the ones that are not a
// parent of another common ancestor. Criss-cross histories can have several;
// the one with the longest history wins, then the lower hash.
func (m *Merger) commonAncestor(ctx context.Context, anc1, anc2 mapset.Set[string]) (*Version, error) {
	common := anc1.Intersect(anc2)
	if common.Cardinality() == 0 {
		return nil, ErrUnrelatedHistories
	}

	notLowest := mapset.NewThreadUnsafeSet[string]()
	for _, hash := range common.ToSlice() {
		v, err := m.arena.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		notLowest.Append(v.Parents()...)
	}

	var (
		best      *Version
		bestCount int
	)
	for _, hash := range common.Difference(notLowest).ToSlice() {
		v, err := m.arena.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		anc, err := Ancestors(ctx, m.arena, v)
		if err != nil {
			return nil, err
		}
		count := anc.Cardinality()
		if best == nil || count > bestCount || (count == bestCount && v.hash < best.hash) {
			best, bestCount = v, count
		}
	}
	return best, nil
}
