// Package hooks implements the observer pipeline run around every repository
// operation. Each operation produces exactly one BeforeExecute and one
// AfterExecute call per registered hook, even when the operation fails.
// Hook failures and panics are logged as HookError and never change the
// result of the operation.
package hooks
