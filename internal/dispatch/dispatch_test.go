package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

type createThreadIn struct {
	CommunityID string `json:"community_id" validate:"required"`
	Title       string `json:"title" validate:"required,min=3"`
	Body        string `json:"body"`
}

type createThreadOut struct {
	ID string `json:"id"`
}

func signedIn(ctx context.Context, a domain.Actor) (domain.Actor, string) {
	if a.User.ID == 0 {
		return a, "not signed in"
	}
	return a, ""
}

func markAuthor(ctx context.Context, a domain.Actor) (domain.Actor, string) {
	a.IsAuthor = true
	return a, ""
}

func TestRunCommandValidatesEveryField(t *testing.T) {
	invoked := false
	md := Command[createThreadIn, createThreadOut]{
		Body: func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
			invoked = true
			return createThreadOut{ID: "t1"}, nil
		},
	}

	_, err := RunCommand(context.Background(), md, domain.Actor{}, json.RawMessage(`{"title":"x"}`))
	require.Error(t, err)

	var invalid *domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Issues, 2) // community_id missing, title too short
	assert.False(t, invoked, "body must not run on validation failure")
}

func TestRunCommandSkipValidation(t *testing.T) {
	md := Command[createThreadIn, createThreadOut]{
		Body: func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
			return createThreadOut{ID: c.Payload.Title}, nil
		},
	}

	out, err := RunCommand(context.Background(), md, domain.Actor{},
		json.RawMessage(`{"title":"x"}`), SkipValidation())
	require.NoError(t, err)
	assert.Equal(t, "x", out.ID)
}

func TestRunCommandAuthRejectionCarriesOriginalActor(t *testing.T) {
	invoked := false
	md := Command[createThreadIn, createThreadOut]{
		Auth: []Middleware{markAuthor, signedIn},
		Body: func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
			invoked = true
			return createThreadOut{}, nil
		},
	}

	original := domain.Actor{User: domain.User{ID: 0, Email: "a@b.c"}}
	_, err := RunCommand(context.Background(), md, original,
		json.RawMessage(`{"community_id":"eth","title":"hello"}`))

	var invalid *domain.InvalidActorError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "not signed in", invalid.Reason)
	// The pre-chain actor is attached, not the enriched copy.
	assert.False(t, invalid.Actor.IsAuthor)
	assert.Equal(t, original, invalid.Actor)
	assert.False(t, invoked)
}

func TestRunCommandAuthEnrichment(t *testing.T) {
	md := Command[createThreadIn, bool]{
		Auth: []Middleware{signedIn, markAuthor},
		Body: func(ctx context.Context, c Context[createThreadIn]) (bool, error) {
			return c.Actor.IsAuthor, nil
		},
	}

	got, err := RunCommand(context.Background(), md,
		domain.Actor{User: domain.User{ID: 7}},
		json.RawMessage(`{"community_id":"eth","title":"hello"}`))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRunCommandDomainErrorPassesThrough(t *testing.T) {
	boom := errors.New("thread limit reached")
	md := Command[createThreadIn, createThreadOut]{
		Body: func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
			return createThreadOut{}, boom
		},
	}

	_, err := RunCommand(context.Background(), md, domain.Actor{},
		json.RawMessage(`{"community_id":"eth","title":"hello"}`))
	assert.ErrorIs(t, err, boom)
}

func TestRunCommandPanicNormalization(t *testing.T) {
	md := Command[createThreadIn, createThreadOut]{
		Body: func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
			panic("unexpected state")
		},
	}

	_, err := RunCommand(context.Background(), md, domain.Actor{},
		json.RawMessage(`{"community_id":"eth","title":"hello"}`))

	var invalid *domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Issues[0], "unexpected state")

	boom := errors.New("db gone")
	md.Body = func(ctx context.Context, c Context[createThreadIn]) (createThreadOut, error) {
		panic(boom)
	}
	_, err = RunCommand(context.Background(), md, domain.Actor{},
		json.RawMessage(`{"community_id":"eth","title":"hello"}`))
	assert.ErrorIs(t, err, boom)
}

type listThreadsIn struct {
	CommunityID *string `json:"community_id"`
	Stage       *string `json:"stage"`
}

func TestRunQueryStripsNullFilters(t *testing.T) {
	md := Query[listThreadsIn, bool]{
		Body: func(ctx context.Context, c Context[listThreadsIn]) (bool, error) {
			return c.Payload.Stage == nil, nil
		},
	}

	stageAbsent, err := RunQuery(context.Background(), md, domain.Actor{},
		json.RawMessage(`{"community_id":"eth","stage":null}`))
	require.NoError(t, err)
	assert.True(t, stageAbsent)
}

func TestPruneAbsentIdempotent(t *testing.T) {
	raw := json.RawMessage(`{"a":1,"b":null,"c":"x","d":null}`)
	once := PruneAbsent(raw)
	twice := PruneAbsent(once)
	assert.JSONEq(t, string(once), string(twice))
	assert.JSONEq(t, `{"a":1,"c":"x"}`, string(once))
}

func TestHandleEventUnknownName(t *testing.T) {
	handlers := EventHandlers{
		domain.EventCommunityJoined: NewEventHandler(func(ctx context.Context, ev EventContext[domain.CommunityJoinedPayload]) (any, error) {
			return nil, nil
		}),
	}

	_, err := HandleEvent(context.Background(), handlers, "1", "NoSuchEvent", nil)
	var invalid *domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Issues[0], "NoSuchEvent")
	assert.Contains(t, invalid.Issues[0], string(domain.EventCommunityJoined))
}

func TestHandleEventValidatesAndReturnsEmptyObject(t *testing.T) {
	var seen domain.CommunityJoinedPayload
	handlers := EventHandlers{
		domain.EventCommunityJoined: NewEventHandler(func(ctx context.Context, ev EventContext[domain.CommunityJoinedPayload]) (any, error) {
			seen = ev.Payload
			return nil, nil
		}),
	}

	_, err := HandleEvent(context.Background(), handlers, "1", domain.EventCommunityJoined,
		json.RawMessage(`{"user_id":3}`))
	var invalid *domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Issues, 2) // community_id, referee_address

	res, err := HandleEvent(context.Background(), handlers, "1", domain.EventCommunityJoined,
		json.RawMessage(`{"community_id":"eth","user_id":3,"referee_address":"0xabc"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, res)
	assert.Equal(t, int64(3), seen.UserID)
}
