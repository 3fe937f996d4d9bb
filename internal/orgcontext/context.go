// Package orgcontext carries the tenant (clinic organization) that scopes a
// request. The value is resolved by the authentication layer; billing code
// only reads it.
package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active tenant ID.
type OrgContextKey struct{}

// WithOrgID stores the tenant ID in the context.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// OrgIDFromContext returns the tenant ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	switch typed := ctx.Value(OrgContextKey{}).(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil && parsed != 0 {
			return parsed, true
		}
	}
	return 0, false
}

// ResolveOrgID reconciles an explicit tenant identifier with the one carried
// by the context. An explicit value is only accepted when the context has no
// tenant or names the same one.
func ResolveOrgID(ctx context.Context, explicit string) (snowflake.ID, bool) {
	fromCtx, hasCtx := OrgIDFromContext(ctx)
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		return fromCtx, hasCtx
	}
	parsed, err := snowflake.ParseString(explicit)
	if err != nil || parsed == 0 {
		return 0, false
	}
	if hasCtx && fromCtx != parsed {
		return 0, false
	}
	return parsed, true
}
