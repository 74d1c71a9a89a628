package models

import (
	"context"
)

type actorContextKey struct{}

// Actor identifies who triggered a balance mutation. An empty Id means the system.
type Actor struct {
	Id   string // JWT subject
	Role string // "tenant", "admin" or "service"
}

// IsAdmin reports whether the actor may use administrative operations.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == "admin"
}

// WithActor attaches the authenticated actor to a context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor retrieves the actor from context, or nil for system-initiated work.
func GetActor(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}

// ActorId returns the actor id carried by ctx, or "" for the system.
func ActorId(ctx context.Context) string {
	if actor := GetActor(ctx); actor != nil {
		return actor.Id
	}
	return ""
}
