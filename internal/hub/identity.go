package hub

import (
	"errors"
	"net/http"
)

// ErrNoIdentity is returned when a request carries no resolvable principal.
var ErrNoIdentity = errors.New("no identity on request")

// Principal is the authenticated user behind a connection.
type Principal struct {
	UserID   string
	Username string
}

// Resolver extracts the connecting principal from the upgrade request.
// This is the boundary to the platform's session service: the relay trusts
// whatever the resolver reports and never re-validates identity per message.
type Resolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// HeaderResolver reads the principal from headers set by the authenticating
// reverse proxy in front of the relay. Also used directly in tests.
type HeaderResolver struct{}

// Resolve reads X-User-Id and X-User-Name from the request.
func (HeaderResolver) Resolve(r *http.Request) (Principal, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return Principal{}, ErrNoIdentity
	}
	username := r.Header.Get("X-User-Name")
	if username == "" {
		username = userID
	}
	return Principal{UserID: userID, Username: username}, nil
}
