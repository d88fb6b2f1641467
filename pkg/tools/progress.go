package tools

import "context"

type progressKey struct{}

// WithProgress returns a context through which a running tool can report
// progress with ReportProgress.
func WithProgress(ctx context.Context, fn func(message string)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards message to the caller that started the tool, if
// it asked for progress.
func ReportProgress(ctx context.Context, message string) {
	if fn, ok := ctx.Value(progressKey{}).(func(string)); ok && fn != nil {
		fn(message)
	}
}
