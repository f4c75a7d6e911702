package pubsub

import "context"

// Context utilities for namespace override
type ctxKey string

// CtxKeyNamespaceOverride is the context key used to override the topic
// namespace per Execute call.
const CtxKeyNamespaceOverride ctxKey = "pubsub_ns_override"

// WithNamespace returns a new context that carries a namespace override.
func WithNamespace(ctx context.Context, ns string) context.Context {
	return context.WithValue(ctx, CtxKeyNamespaceOverride, ns)
}

func namespaceFrom(ctx context.Context, fallback string) string {
	if ctx == nil {
		return fallback
	}
	if v := ctx.Value(CtxKeyNamespaceOverride); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
