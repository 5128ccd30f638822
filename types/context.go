package types

import "context"

type actorIDKey struct{}
type actorNameKey struct{}
type rolesKey struct{}

// WithActorID returns a context carrying the authenticated caller's id.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey{}, id)
}

// ActorIDFromContext extracts the caller id, or "" if absent.
func ActorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActorName returns a context carrying the caller's display name.
func WithActorName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorNameKey{}, name)
}

// ActorNameFromContext extracts the caller display name, or "" if absent.
func ActorNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorNameKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRoles returns a context carrying the caller's role list.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesKey{}, roles)
}

// RolesFromContext extracts the caller roles, or nil if absent.
func RolesFromContext(ctx context.Context) []string {
	if v, ok := ctx.Value(rolesKey{}).([]string); ok {
		return v
	}
	return nil
}
