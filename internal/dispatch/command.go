// Package dispatch mediates between protocol adapters and domain logic:
// commands and queries validate their payload, run an authorization chain,
// and invoke a handler body; events dispatch by name to typed handlers.
// Validation and authorization failures are resolved here as discriminated
// error types; business errors pass through untouched.
package dispatch

import (
	"context"
	"encoding/json"

	"agora/internal/domain"
)

// Context is what a handler body receives after validation and authorization.
type Context[In any] struct {
	Actor   domain.Actor
	Payload In
}

// Command binds an input schema (the In struct and its validate tags), an
// ordered authorization chain, and a handler body. One instance exists per
// command, registered at startup.
type Command[In, Out any] struct {
	Auth []Middleware
	Body func(ctx context.Context, c Context[In]) (Out, error)
}

// Query is structurally a Command; only the payload pruning step differs.
type Query[In, Out any] struct {
	Auth []Middleware
	Body func(ctx context.Context, c Context[In]) (Out, error)
}

type callOptions struct {
	validate bool
}

type CallOption func(*callOptions)

// SkipValidation bypasses schema validation for trusted internal call paths
// such as replays. Authorization still runs.
func SkipValidation() CallOption {
	return func(o *callOptions) { o.validate = false }
}

func applyOptions(opts []CallOption) callOptions {
	o := callOptions{validate: true}
	for _, f := range opts {
		f(&o)
	}
	return o
}

// RunCommand validates payload against In, runs the authorization chain, and
// invokes the body with the enriched actor and parsed payload.
func RunCommand[In, Out any](ctx context.Context, md Command[In, Out], actor domain.Actor, payload json.RawMessage, opts ...CallOption) (Out, error) {
	var zero Out
	o := applyOptions(opts)
	in, err := decodeAndValidate[In](payload, o.validate)
	if err != nil {
		return zero, err
	}
	enriched, err := runChain(ctx, actor, md.Auth)
	if err != nil {
		return zero, err
	}
	return invoke(func() (Out, error) {
		return md.Body(ctx, Context[In]{Actor: enriched, Payload: in})
	})
}

// RunQuery is RunCommand with filter-key pruning: top-level null keys are
// stripped before validation, so absent filters read as "not specified".
func RunQuery[In, Out any](ctx context.Context, md Query[In, Out], actor domain.Actor, payload json.RawMessage, opts ...CallOption) (Out, error) {
	var zero Out
	o := applyOptions(opts)
	raw := payload
	if o.validate {
		raw = PruneAbsent(raw)
	}
	in, err := decodeAndValidate[In](raw, o.validate)
	if err != nil {
		return zero, err
	}
	enriched, err := runChain(ctx, actor, md.Auth)
	if err != nil {
		return zero, err
	}
	return invoke(func() (Out, error) {
		return md.Body(ctx, Context[In]{Actor: enriched, Payload: in})
	})
}
