// Package tenant carries the active tenant through request and task
// lifetimes and provides the scoped-acquisition primitive storage layers
// use to enforce isolation at the boundary.
package tenant

import (
	"context"
	"errors"
)

// ContextKey is the type for context keys owned by this package.
type ContextKey string

const (
	// tenantIDKey holds the active tenant_id.
	tenantIDKey ContextKey = "tenant_id"
	// systemModeKey marks a context as running in administrative bypass mode.
	systemModeKey ContextKey = "tenant_system_mode"
)

// ErrMissingTenant is returned by MustFromContext when no tenant has been
// set. Storage layers should treat this as a programming error, not a
// request-level failure: every operation in this core requires a tenant.
var ErrMissingTenant = errors.New("tenant: no tenant_id in context")

// WithTenant returns a new context scoped to tenantID. Callers obtain this
// context for the duration of a single request or task and must not leak it
// beyond that lifetime.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// FromContext returns the tenant_id carried by ctx, or ("", false) if none
// is set.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MustFromContext returns the tenant_id carried by ctx or ErrMissingTenant.
// Storage layers call this before issuing any tenant-scoped query so that a
// missing tenant fails loudly instead of silently scanning all tenants.
func MustFromContext(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", ErrMissingTenant
	}
	return id, nil
}

// IsSystemMode reports whether ctx has been granted the administrative
// bypass via WithSystemMode. It is never set on a user-facing code path.
func IsSystemMode(ctx context.Context) bool {
	v, _ := ctx.Value(systemModeKey).(bool)
	return v
}

// WithSystemMode returns a context that bypasses tenant filtering for
// administrative maintenance (e.g. cross-tenant reconciliation jobs). Callers
// must never derive this context from an inbound user request.
func WithSystemMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemModeKey, true)
}

// Scope runs fn for the duration of a scoped tenant acquisition: tenantID is
// set on the context passed to fn, and is guaranteed not to leak past
// Scope's return on any exit path, including a panic unwinding through fn.
func Scope(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	scoped := WithTenant(ctx, tenantID)
	return fn(scoped)
}
