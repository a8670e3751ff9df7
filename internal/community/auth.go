package community

import (
	"context"

	"agora/internal/domain"
)

// SignedIn rejects anonymous actors.
func SignedIn(ctx context.Context, a domain.Actor) (domain.Actor, string) {
	if a.User.ID == 0 {
		return a, "user is not signed in"
	}
	return a, ""
}

// Verified rejects actors without a verified email.
func Verified(ctx context.Context, a domain.Actor) (domain.Actor, string) {
	if !a.User.EmailVerified {
		return a, "user email is not verified"
	}
	return a, ""
}

// Admin rejects non-admin actors.
func Admin(ctx context.Context, a domain.Actor) (domain.Actor, string) {
	if !a.User.IsAdmin {
		return a, "user is not an admin"
	}
	return a, ""
}
