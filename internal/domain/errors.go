package domain

import (
	"fmt"
	"strings"
)

// InvalidInputError reports a payload that failed schema validation, or an
// event name with no registered handler. Issues are "path: message" strings,
// one per violated field, safe to show to a caller.
type InvalidInputError struct {
	Issues []string
}

func NewInvalidInput(issues ...string) *InvalidInputError {
	return &InvalidInputError{Issues: issues}
}

func (e *InvalidInputError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid input"
	}
	return "invalid input: " + strings.Join(e.Issues, "; ")
}

// InvalidActorError reports an authorization-chain rejection. It carries the
// original, pre-chain actor and the middleware's reason string.
type InvalidActorError struct {
	Actor  Actor
	Reason string
}

func NewInvalidActor(actor Actor, reason string) *InvalidActorError {
	return &InvalidActorError{Actor: actor, Reason: reason}
}

func (e *InvalidActorError) Error() string {
	return fmt.Sprintf("invalid actor: %s", e.Reason)
}
