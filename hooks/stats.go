package hooks

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultReportEvery is how many operations pass between two stats reports.
const DefaultReportEvery = 10

// Stats is an aggregate for one operation (or all of them).
type Stats struct {
	Operation    string
	Count        int64
	Errors       int64
	CacheHits    int64
	TotalTime    time.Duration
	AverageTime  time.Duration
	CacheHitRate float64
}

type opCounters struct {
	count     *xsync.Counter
	errors    *xsync.Counter
	cacheHits *xsync.Counter
	nanos     *xsync.Counter
}

func newOpCounters() *opCounters {
	return &opCounters{
		count:     xsync.NewCounter(),
		errors:    xsync.NewCounter(),
		cacheHits: xsync.NewCounter(),
		nanos:     xsync.NewCounter(),
	}
}

func (c *opCounters) stats(op string) Stats {
	s := Stats{
		Operation: op,
		Count:     c.count.Value(),
		Errors:    c.errors.Value(),
		CacheHits: c.cacheHits.Value(),
		TotalTime: time.Duration(c.nanos.Value()),
	}
	if s.Count > 0 {
		s.AverageTime = s.TotalTime / time.Duration(s.Count)
		s.CacheHitRate = float64(s.CacheHits) / float64(s.Count)
	}
	return s
}

// StatsHook aggregates running counts, average duration and cache-hit rate per
// operation and logs them every N operations and on Run's ticker.
type StatsHook struct {
	logger *slog.Logger
	every  int64
	total  *opCounters
	byOp   *xsync.MapOf[string, *opCounters]
}

// NewStatsHook reports every `every` operations; every <= 0 uses DefaultReportEvery.
func NewStatsHook(logger *slog.Logger, every int) *StatsHook {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = DefaultReportEvery
	}
	return &StatsHook{
		logger: logger,
		every:  int64(every),
		total:  newOpCounters(),
		byOp:   xsync.NewMapOf[string, *opCounters](),
	}
}

// BeforeExecute is a no-op; stats only look at finished operations.
func (h *StatsHook) BeforeExecute(context.Context, Kind, string, string, map[string]any) error {
	return nil
}

// AfterExecute folds m into the per-operation counters.
func (h *StatsHook) AfterExecute(ctx context.Context, m Metric) error {
	key := m.RecordType + "." + m.Operation
	op, _ := h.byOp.LoadOrCompute(key, newOpCounters)

	for _, c := range []*opCounters{h.total, op} {
		c.nanos.Add(int64(m.Duration))
		if m.Err != nil {
			c.errors.Inc()
		}
		if m.CacheHit {
			c.cacheHits.Inc()
		}
		c.count.Inc()
	}

	if h.total.count.Value()%h.every == 0 {
		h.Report(ctx)
	}
	return nil
}

// Snapshot returns the overall aggregate followed by per-operation ones sorted by name.
func (h *StatsHook) Snapshot() (Stats, []Stats) {
	var ops []Stats
	h.byOp.Range(func(key string, c *opCounters) bool {
		ops = append(ops, c.stats(key))
		return true
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i].Operation < ops[j].Operation })
	return h.total.stats("all"), ops
}

// Report logs the current aggregates.
func (h *StatsHook) Report(ctx context.Context) {
	all, ops := h.Snapshot()
	if all.Count == 0 {
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelInfo, "query stats",
		slog.Int64("count", all.Count),
		slog.Int64("errors", all.Errors),
		slog.Duration("avg", all.AverageTime),
		slog.Float64("cache_hit_rate", all.CacheHitRate),
	)
	for _, s := range ops {
		h.logger.LogAttrs(ctx, slog.LevelDebug, "query stats by operation",
			slog.String("operation", s.Operation),
			slog.Int64("count", s.Count),
			slog.Duration("avg", s.AverageTime),
			slog.Float64("cache_hit_rate", s.CacheHitRate),
		)
	}
}

// Run reports on every tick until ctx is done.
func (h *StatsHook) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Report(ctx)
		}
	}
}

// Reset zeroes every aggregate.
func (h *StatsHook) Reset() {
	for _, c := range []*xsync.Counter{h.total.count, h.total.errors, h.total.cacheHits, h.total.nanos} {
		c.Reset()
	}
	h.byOp.Clear()
}
