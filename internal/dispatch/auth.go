package dispatch

import (
	"context"

	"agora/internal/domain"
)

// Middleware validates or enriches an actor. Returning a non-empty reason
// rejects the invocation; otherwise the returned actor is threaded to the
// next middleware. Middleware must not mutate shared state.
type Middleware func(ctx context.Context, actor domain.Actor) (domain.Actor, string)

// runChain applies the chain in order. On rejection the error carries the
// original, pre-chain actor.
func runChain(ctx context.Context, actor domain.Actor, chain []Middleware) (domain.Actor, error) {
	current := actor
	for _, mw := range chain {
		next, reason := mw(ctx, current)
		if reason != "" {
			return actor, domain.NewInvalidActor(actor, reason)
		}
		current = next
	}
	return current, nil
}
