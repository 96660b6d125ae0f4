package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMissing is returned when no credential is supplied at all.
	ErrTokenMissing = errors.New("credential missing")
	// ErrTokenInvalid covers malformed, badly signed and expired credentials.
	// Callers must not leak which of those it was.
	ErrTokenInvalid = errors.New("credential invalid or expired")
)

// Identity is the verified result of a credential check
type Identity struct {
	Username string
	Email    string
}

type claims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier issues and validates signed, time-limited credentials.
// It is stateless and safe for concurrent use.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier returns a Verifier signing HS256 tokens with the provided
// secret and expiry
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Issue signs a credential embedding the identity
func (v *Verifier) Issue(identity Identity) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: identity.Username,
		Email:    identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return token.SignedString(v.secret)
}

// Verify validates a credential and returns the embedded identity.
// Malformed input of any kind results in ErrTokenInvalid, never a panic.
func (v *Verifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(credential, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, ErrTokenInvalid
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Username == "" {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{Username: c.Username, Email: c.Email}, nil
}
