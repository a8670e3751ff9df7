package domain

// User is the authenticated identity behind an actor.
type User struct {
	ID            int64  `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	IsAdmin       bool   `json:"is_admin"`
}

// Actor is the identity on behalf of which a command or query executes.
// Protocol adapters build one per request; only the authorization chain
// may produce an enriched copy.
type Actor struct {
	User        User    `json:"user"`
	AddressID   *int64  `json:"address_id,omitempty"`
	AggregateID *string `json:"aggregate_id,omitempty"`
	// IsAuthor is pre-computed by middleware for handlers that care
	// whether the actor authored the target aggregate.
	IsAuthor bool `json:"is_author,omitempty"`
}
