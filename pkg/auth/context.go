package auth

import "context"

type contextKey struct{}

// WithProjectID binds the authenticated project to the request context.
func WithProjectID(ctx context.Context, projectID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, projectID)
}

// ProjectID extracts the authenticated project from the context.
func ProjectID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey{}).(int64)
	return id, ok
}
