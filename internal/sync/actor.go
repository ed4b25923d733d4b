package sync

import "context"

// Actors recorded as synced_by for runs that were not triggered over HTTP.
const (
	ActorScheduler = "scheduler"
	ActorCLI       = "cli"
)

type actorKey struct{}

// WithActor returns a context carrying the identity that triggered a run.
// Records written during the run are stamped with it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or ActorScheduler.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return ActorScheduler
}
