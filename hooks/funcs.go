package hooks

import "context"

// Funcs adapts plain functions to Hook. Nil fields are skipped.
// Register it by pointer so Pipeline.Remove can find it.
type Funcs struct {
	Before func(ctx context.Context, kind Kind, operation, recordType string, params map[string]any) error
	After  func(ctx context.Context, metric Metric) error
}

// BeforeExecute calls f.Before when set.
func (f *Funcs) BeforeExecute(ctx context.Context, kind Kind, operation, recordType string, params map[string]any) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, kind, operation, recordType, params)
}

// AfterExecute calls f.After when set.
func (f *Funcs) AfterExecute(ctx context.Context, metric Metric) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, metric)
}
