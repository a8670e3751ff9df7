package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agora/internal/domain"
)

// EventContext carries one event occurrence into a handler. ID is the outbox
// or job identifier; bodies must be idempotent with respect to it, since
// delivery is at-least-once.
type EventContext[In any] struct {
	ID      string
	Name    domain.EventName
	Payload In
}

// EventHandler is a registered per-name handler with its input schema baked
// in. Built with NewEventHandler.
type EventHandler interface {
	Handle(ctx context.Context, id string, name domain.EventName, payload json.RawMessage, validated bool) (any, error)
}

type eventHandler[In any] struct {
	body func(ctx context.Context, ev EventContext[In]) (any, error)
}

// NewEventHandler binds a typed body to the schema of In.
func NewEventHandler[In any](body func(ctx context.Context, ev EventContext[In]) (any, error)) EventHandler {
	return eventHandler[In]{body: body}
}

func (h eventHandler[In]) Handle(ctx context.Context, id string, name domain.EventName, payload json.RawMessage, validated bool) (any, error) {
	in, err := decodeAndValidate[In](payload, validated)
	if err != nil {
		return nil, err
	}
	return invoke(func() (any, error) {
		return h.body(ctx, EventContext[In]{ID: id, Name: name, Payload: in})
	})
}

// EventHandlers maps event names to their handlers.
type EventHandlers map[domain.EventName]EventHandler

// HandleEvent validates the payload against the schema registered for name
// and invokes the matching body. A missing registration is a configuration
// error, reported as InvalidInput naming the registered handlers. A body
// returning nothing yields an empty object.
func HandleEvent(ctx context.Context, handlers EventHandlers, id string, name domain.EventName, payload json.RawMessage, opts ...CallOption) (any, error) {
	h, ok := handlers[name]
	if !ok {
		registered := make([]string, 0, len(handlers))
		for n := range handlers {
			registered = append(registered, string(n))
		}
		sort.Strings(registered)
		return nil, domain.NewInvalidInput(fmt.Sprintf(
			"%s: no event handler registered (registered: %s)",
			name, strings.Join(registered, ", ")))
	}
	o := applyOptions(opts)
	res, err := h.Handle(ctx, id, name, payload, o.validate)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return map[string]any{}, nil
	}
	return res, nil
}
