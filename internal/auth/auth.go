// Package auth implements the relay's bearer-token authenticator (§4.2).
// It is pure with respect to network state: the only I/O it performs is the
// caller-supplied revocation lookup it is constructed with, so tests can
// inject a deterministic revocation oracle.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error kinds returned by Authenticate (§7, Auth taxonomy).
var (
	ErrMalformed    = errors.New("auth: malformed token")
	ErrBadSignature = errors.New("auth: bad signature")
	ErrExpired      = errors.New("auth: expired token")
	ErrRevoked      = errors.New("auth: revoked token")
)

// Subject is the authenticated principal carried in a bearer token.
type Subject struct {
	UserID      string
	DisplayName string
	Expiry      time.Time // zero value means no expiry claim was present
}

// RevocationLookup reports whether a given subject/token id has been
// revoked. It is the only network-touching collaborator Authenticator
// depends on.
type RevocationLookup func(userID string) bool

// claims is the JWT claim set relayd expects. Unknown trailing claims are
// ignored, matching the "unknown fields inside a message are forward
// compatible" rule the wire protocol follows elsewhere in this module.
type claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"display_name,omitempty"`
}

// Authenticator validates bearer tokens and produces a Subject. When no
// secret is configured, Authenticate always succeeds with an anonymous
// Subject — this is the "authentication is optional unless a secret is
// configured" deployment knob carried over from the teacher's -api-keys
// flag (SPEC_FULL Supplemented Features).
type Authenticator struct {
	secret    []byte
	revoked   RevocationLookup
	anonymous bool
}

// New creates an Authenticator that verifies HS256-signed JWTs against
// secret using revoked to check for revocation. A nil revoked always
// reports "not revoked".
func New(secret []byte, revoked RevocationLookup) *Authenticator {
	if revoked == nil {
		revoked = func(string) bool { return false }
	}
	return &Authenticator{secret: secret, revoked: revoked, anonymous: len(secret) == 0}
}

// Authenticate validates token and returns the Subject it carries.
func (a *Authenticator) Authenticate(token string) (Subject, error) {
	if a.anonymous {
		return Subject{UserID: "anonymous"}, nil
	}
	if token == "" {
		return Subject{}, ErrMalformed
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return a.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Subject{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Subject{}, ErrBadSignature
		case errors.Is(err, ErrBadSignature):
			return Subject{}, ErrBadSignature
		default:
			return Subject{}, ErrMalformed
		}
	}
	if !parsed.Valid {
		return Subject{}, ErrMalformed
	}

	userID := c.Subject
	if userID == "" {
		return Subject{}, ErrMalformed
	}
	if a.revoked(userID) {
		return Subject{}, ErrRevoked
	}

	var expiry time.Time
	if c.ExpiresAt != nil {
		expiry = c.ExpiresAt.Time
	}

	return Subject{
		UserID:      userID,
		DisplayName: c.DisplayName,
		Expiry:      expiry,
	}, nil
}
