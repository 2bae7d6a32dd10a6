package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Kind classifies an operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindRead   Kind = "read"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Metric describes one finished repository operation.
type Metric struct {
	Kind         Kind
	Operation    string
	RecordType   string
	Duration     time.Duration
	RowsAffected int64
	Timestamp    time.Time
	Params       map[string]any
	CacheHit     bool
	Err          error
}

// Error returns the error description, or "" on success.
func (m Metric) Error() string {
	if m.Err == nil {
		return ""
	}
	return m.Err.Error()
}

// Hook observes repository operations. Errors returned by a hook are logged
// and never reach the caller of the operation.
type Hook interface {
	BeforeExecute(ctx context.Context, kind Kind, operation, recordType string, params map[string]any) error
	AfterExecute(ctx context.Context, metric Metric) error
}

// HookError reports a hook that failed or panicked.
type HookError struct {
	Hook  string
	Phase string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s %s: %v", e.Hook, e.Phase, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Pipeline runs hooks in registration order. Safe for concurrent use.
type Pipeline struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger *slog.Logger
}

// NewPipeline returns a pipeline seeded with hooks.
func NewPipeline(logger *slog.Logger, hooks ...Hook) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{logger: logger}
	for _, h := range hooks {
		p.Add(h)
	}
	return p
}

// Add appends h. Nil hooks are ignored.
func (p *Pipeline) Add(h Hook) {
	if h == nil {
		return
	}
	p.mu.Lock()
	p.hooks = append(p.hooks, h)
	p.mu.Unlock()
}

// Remove drops every registration of h and reports whether any was found.
// Hooks of uncomparable types, such as slices or maps, can only be removed
// with Clear.
func (p *Pipeline) Remove(h Hook) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.hooks[:0]
	removed := false
	for _, existing := range p.hooks {
		if sameHook(existing, h) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	for i := len(kept); i < len(p.hooks); i++ {
		p.hooks[i] = nil
	}
	p.hooks = kept
	return removed
}

func sameHook(a, b Hook) bool {
	if a == nil || b == nil || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.ValueOf(a).Comparable() && a == b
}

// Clear removes every hook.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.hooks = nil
	p.mu.Unlock()
}

// Len returns the number of registered hooks.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hooks)
}

func (p *Pipeline) snapshot() []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Hook(nil), p.hooks...)
}

// Before notifies every hook that an operation is starting.
func (p *Pipeline) Before(ctx context.Context, kind Kind, operation, recordType string, params map[string]any) {
	for _, h := range p.snapshot() {
		p.guard(ctx, h, "before", func() error {
			return h.BeforeExecute(ctx, kind, operation, recordType, params)
		})
	}
}

// After notifies every hook that an operation finished.
func (p *Pipeline) After(ctx context.Context, metric Metric) {
	for _, h := range p.snapshot() {
		p.guard(ctx, h, "after", func() error {
			return h.AfterExecute(ctx, metric)
		})
	}
}

func (p *Pipeline) guard(ctx context.Context, h Hook, phase string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.report(ctx, &HookError{Hook: fmt.Sprintf("%T", h), Phase: phase, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		p.report(ctx, &HookError{Hook: fmt.Sprintf("%T", h), Phase: phase, Err: err})
	}
}

func (p *Pipeline) report(ctx context.Context, err *HookError) {
	p.logger.LogAttrs(ctx, slog.LevelError, "query hook failed",
		slog.String("hook", err.Hook),
		slog.String("phase", err.Phase),
		slog.Any("error", err),
	)
}
