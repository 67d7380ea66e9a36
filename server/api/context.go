package api

import "context"

type contextKey int

const ctxKeySubject contextKey = 0

// WithSubject returns ctx carrying the authenticated username.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated username stored in ctx.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}
