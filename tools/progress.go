package tools

import "context"

// ProgressReporter emits progress for the tool call in flight. The engine
// installs one on the execution context when the client supplied a progress
// token.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ReportProgress forwards to the reporter on ctx. It is a no-op when the
// client did not ask for progress.
func ReportProgress(ctx context.Context, progress, total float64, message string) error {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	if !ok || pr == nil {
		return nil
	}
	return pr.Report(ctx, progress, total, message)
}
