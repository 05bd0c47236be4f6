package auth

import (
	"context"
)

type contextKey string

const TenantKey contextKey = "tenant"

// WithTenant stamps the authorized tenant onto the request context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenantFromContext returns the authorized tenant, if any. There is no
// default tenant; callers must treat a missing tenant as unauthorized.
func GetTenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(TenantKey).(string)
	if !ok || tenant == "" {
		return "", false
	}
	return tenant, true
}
