package gateway

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx carrying g.
func NewContext[V any](ctx context.Context, g *Gateway[V]) context.Context {
	return context.WithValue(ctx, ctxKey{}, g)
}

// FromContext returns the Gateway stored in ctx by NewContext. It reports
// false when ctx carries none or carries one with a different value type.
func FromContext[V any](ctx context.Context) (*Gateway[V], bool) {
	g, ok := ctx.Value(ctxKey{}).(*Gateway[V])
	return g, ok && g != nil
}
