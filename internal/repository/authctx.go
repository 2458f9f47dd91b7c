package repository

import "context"

type ctxKey string

const bearerKey ctxKey = "tt.bearer"

// WithBearer makes requests made with ctx use token instead of the client's TokenSource.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey, token)
}

// BearerFromCtx fetches a per-call token override from ctx.
func BearerFromCtx(ctx context.Context) (string, bool) {
	v := ctx.Value(bearerKey)
	if v == nil {
		return "", false
	}
	tok, ok := v.(string)
	return tok, ok
}
