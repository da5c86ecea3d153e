package bootstrap

import (
	"encoding/json"
	"strings"

	"myriadweb/gateway/session"
)

type IdentityKind int

const (
	Unauthenticated IdentityKind = iota
	Anonymous
	Authenticated
)

func (k IdentityKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

func (k IdentityKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Identity is derived once per request from the session and never changes
// for the rest of that request.
type Identity struct {
	Kind        IdentityKind `json:"kind"`
	DisplayName string       `json:"displayName,omitempty"`
	UserID      string       `json:"userId,omitempty"`
}

// Classify maps a session onto an identity. A session flagged anonymous, or
// one without an address, is Anonymous.
func Classify(sess *session.Session) Identity {
	if sess == nil {
		return Identity{Kind: Unauthenticated}
	}
	address := strings.TrimSpace(sess.User.Address)
	if sess.User.Anonymous || address == "" {
		return Identity{Kind: Anonymous, DisplayName: sess.User.Name}
	}
	return Identity{Kind: Authenticated, DisplayName: sess.User.Name, UserID: address}
}
