package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingHook tracks every call it receives.
type recordingHook struct {
	mu        sync.Mutex
	calls     []string
	metrics   []Metric
	beforeErr error
	afterErr  error
	panicOn   string
}

func (r *recordingHook) BeforeExecute(_ context.Context, kind Kind, operation, recordType string, _ map[string]any) error {
	r.mu.Lock()
	r.calls = append(r.calls, "before:"+operation)
	r.mu.Unlock()
	if r.panicOn == "before" {
		panic("boom")
	}
	return r.beforeErr
}

func (r *recordingHook) AfterExecute(_ context.Context, m Metric) error {
	r.mu.Lock()
	r.calls = append(r.calls, "after:"+m.Operation)
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
	if r.panicOn == "after" {
		panic("boom")
	}
	return r.afterErr
}

func (r *recordingHook) getCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}

func TestPipeline_Order(t *testing.T) {
	var order []string
	mk := func(name string) Hook {
		return &Funcs{
			Before: func(context.Context, Kind, string, string, map[string]any) error {
				order = append(order, name+":before")
				return nil
			},
			After: func(context.Context, Metric) error {
				order = append(order, name+":after")
				return nil
			},
		}
	}

	p := NewPipeline(nil, mk("a"), mk("b"))
	p.Before(context.Background(), KindRead, "get_by_id", "product", nil)
	p.After(context.Background(), Metric{Operation: "get_by_id"})

	want := "a:before,b:before,a:after,b:after"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestPipeline_IsolatesFailures(t *testing.T) {
	logger, buf := bufferLogger()

	failing := &recordingHook{beforeErr: errors.New("nope"), afterErr: errors.New("nope")}
	panicking := &recordingHook{panicOn: "after"}
	healthy := &recordingHook{}

	p := NewPipeline(logger, failing, panicking, healthy)
	p.Before(context.Background(), KindCreate, "create", "product", nil)
	p.After(context.Background(), Metric{Operation: "create"})

	if got := healthy.getCalls(); len(got) != 2 {
		t.Fatalf("healthy hook should see both phases despite earlier failures, got %v", got)
	}
	out := buf.String()
	if strings.Count(out, "query hook failed") != 3 {
		t.Errorf("expected three logged hook failures, got:\n%s", out)
	}
	if !strings.Contains(out, "panic: boom") {
		t.Errorf("expected panic to be logged, got:\n%s", out)
	}
}

func TestPipeline_AddRemoveClear(t *testing.T) {
	a, b := &recordingHook{}, &recordingHook{}
	p := NewPipeline(nil)
	p.Add(a)
	p.Add(b)
	p.Add(nil)

	if p.Len() != 2 {
		t.Fatalf("expected 2 hooks, got %d", p.Len())
	}
	if !p.Remove(a) {
		t.Error("expected a to be removed")
	}
	if p.Remove(a) {
		t.Error("second removal should report false")
	}

	p.After(context.Background(), Metric{Operation: "list"})
	if len(a.getCalls()) != 0 || len(b.getCalls()) != 1 {
		t.Errorf("unexpected calls a=%v b=%v", a.getCalls(), b.getCalls())
	}

	p.Clear()
	if p.Len() != 0 {
		t.Error("expected empty pipeline")
	}
}

// tagHook is a valid Hook whose dynamic type cannot be compared with ==.
type tagHook []string

func (tagHook) BeforeExecute(context.Context, Kind, string, string, map[string]any) error {
	return nil
}

func (tagHook) AfterExecute(context.Context, Metric) error { return nil }

type valueHook struct{ name string }

func (valueHook) BeforeExecute(context.Context, Kind, string, string, map[string]any) error {
	return nil
}

func (valueHook) AfterExecute(context.Context, Metric) error { return nil }

type wrapHook struct{ Hook }

func TestPipeline_RemoveUncomparable(t *testing.T) {
	ptr := &recordingHook{}

	tests := []struct {
		name     string
		register []Hook
		remove   Hook
		want     bool
		left     int
	}{
		{"slice among slices", []Hook{tagHook{"a"}}, tagHook{"b"}, false, 1},
		{"slice among pointers", []Hook{ptr}, tagHook{"a"}, false, 1},
		{"pointer among slices", []Hook{tagHook{"a"}, ptr}, ptr, true, 1},
		{"equal values", []Hook{valueHook{"a"}, valueHook{"b"}}, valueHook{"a"}, true, 1},
		{"struct holding a slice", []Hook{wrapHook{tagHook{"a"}}}, wrapHook{tagHook{"a"}}, false, 1},
		{"nil", []Hook{tagHook{"a"}}, nil, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(nil, tt.register...)
			if got := p.Remove(tt.remove); got != tt.want {
				t.Errorf("Remove = %v, want %v", got, tt.want)
			}
			if p.Len() != tt.left {
				t.Errorf("expected %d hooks left, got %d", tt.left, p.Len())
			}
		})
	}
}

func TestPipeline_ConcurrentMutation(t *testing.T) {
	p := NewPipeline(nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := &recordingHook{}
			p.Add(h)
			p.Remove(h)
		}()
		go func() {
			defer wg.Done()
			p.Before(context.Background(), KindRead, "list", "product", nil)
			p.After(context.Background(), Metric{Operation: "list"})
		}()
	}
	wg.Wait()
}

func TestLoggingHook_Levels(t *testing.T) {
	tests := []struct {
		name   string
		metric Metric
		want   string
	}{
		{name: "fast", metric: Metric{Operation: "get_by_id", Duration: time.Millisecond}, want: "level=INFO msg=\"query finished\""},
		{name: "slow", metric: Metric{Operation: "list", Duration: 150 * time.Millisecond}, want: "level=WARN msg=\"slow query\""},
		{name: "failed", metric: Metric{Operation: "create", Err: errors.New("constraint")}, want: "level=ERROR msg=\"query failed\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := bufferLogger()
			h := NewLoggingHook(logger)
			h.AfterExecute(context.Background(), tt.metric)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %s in %s", tt.want, buf.String())
			}
		})
	}
}

func TestLoggingHook_ThresholdAndParams(t *testing.T) {
	logger, buf := bufferLogger()
	h := NewLoggingHook(logger, WithSlowThreshold(time.Second), WithParams(true))

	params := map[string]any{"id": 7}
	h.BeforeExecute(context.Background(), KindRead, "get_by_id", "product", params)
	h.AfterExecute(context.Background(), Metric{Operation: "get_by_id", Duration: 500 * time.Millisecond, Params: params})

	out := buf.String()
	if strings.Contains(out, "slow query") {
		t.Error("500ms should be under a 1s threshold")
	}
	if !strings.Contains(out, "query started") || !strings.Contains(out, "params=map[id:7]") {
		t.Errorf("expected debug start line with params, got:\n%s", out)
	}
}

func TestStatsHook_Aggregates(t *testing.T) {
	logger, buf := bufferLogger()
	h := NewStatsHook(logger, 4)
	ctx := context.Background()

	h.AfterExecute(ctx, Metric{RecordType: "product", Operation: "get_by_id", Duration: 10 * time.Millisecond, CacheHit: true})
	h.AfterExecute(ctx, Metric{RecordType: "product", Operation: "get_by_id", Duration: 30 * time.Millisecond})
	h.AfterExecute(ctx, Metric{RecordType: "product", Operation: "create", Duration: 20 * time.Millisecond, Err: errors.New("x")})

	if strings.Contains(buf.String(), "query stats") {
		t.Fatal("stats should not be reported before the threshold")
	}

	h.AfterExecute(ctx, Metric{RecordType: "product", Operation: "create", Duration: 20 * time.Millisecond, CacheHit: true})
	if !strings.Contains(buf.String(), "query stats") {
		t.Fatal("expected stats report after 4 operations")
	}

	all, ops := h.Snapshot()
	if all.Count != 4 || all.Errors != 1 || all.CacheHits != 2 {
		t.Errorf("unexpected totals %+v", all)
	}
	if all.AverageTime != 20*time.Millisecond {
		t.Errorf("expected 20ms average, got %v", all.AverageTime)
	}
	if all.CacheHitRate != 0.5 {
		t.Errorf("expected 0.5 hit rate, got %v", all.CacheHitRate)
	}
	if len(ops) != 2 || ops[0].Operation != "product.create" || ops[1].AverageTime != 20*time.Millisecond {
		t.Errorf("unexpected per-op stats %+v", ops)
	}

	h.Reset()
	if all, ops := h.Snapshot(); all.Count != 0 || len(ops) != 0 {
		t.Errorf("expected reset stats, got %+v %+v", all, ops)
	}
}

func TestStatsHook_RunStopsOnCancel(t *testing.T) {
	logger, _ := bufferLogger()
	h := NewStatsHook(logger, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
