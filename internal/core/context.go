package core

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey contextKey = "request-id"
	tenantKeyKey contextKey = "tenant-key"
)

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTenantKey returns a new context with the tenant key attached.
func WithTenantKey(ctx context.Context, tenantKey string) context.Context {
	return context.WithValue(ctx, tenantKeyKey, tenantKey)
}

// GetTenantKey retrieves the tenant key from the context.
// Returns empty string if not found.
func GetTenantKey(ctx context.Context) string {
	if key, ok := ctx.Value(tenantKeyKey).(string); ok {
		return key
	}
	return ""
}
