// Package auth provides bearer-token authentication for the marketplace API.
//
// Authentication model:
//   - Every /v1 endpoint requires a signed token (HS256 JWT)
//   - The token names the user (sub) and their role (user_type)
//   - Role checks happen at the handler boundary: a ClientID can only be
//     obtained from a client token and a ProfessionalID only from a
//     professional token, so domain code never re-checks the role
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken         = errors.New("bearer token required")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrUnknownUserType = errors.New("unknown user type")
)

// UserType is the role a user acts in.
type UserType string

const (
	UserClient       UserType = "client"
	UserProfessional UserType = "professional"
)

// Valid reports whether t is a known role.
func (t UserType) Valid() bool {
	return t == UserClient || t == UserProfessional
}

// ClientID identifies a user acting as a client.
type ClientID string

// ProfessionalID identifies a user acting as a care professional.
type ProfessionalID string

// Actor is the authenticated caller of a request.
type Actor struct {
	UserID string   `json:"userId"`
	Type   UserType `json:"userType"`
}

// Client returns the caller as a ClientID when they act as a client.
func (a Actor) Client() (ClientID, bool) {
	if a.Type != UserClient || a.UserID == "" {
		return "", false
	}
	return ClientID(a.UserID), true
}

// Professional returns the caller as a ProfessionalID when they act as a professional.
func (a Actor) Professional() (ProfessionalID, bool) {
	if a.Type != UserProfessional || a.UserID == "" {
		return "", false
	}
	return ProfessionalID(a.UserID), true
}

// Claims is the token payload.
type Claims struct {
	UserType UserType `json:"user_type"`
	jwt.RegisteredClaims
}

// Manager issues and verifies tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager. ttl applies to issued tokens.
func NewManager(secret, issuer string, ttl time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for a user.
func (m *Manager) Issue(userID string, userType UserType) (string, error) {
	if !userType.Valid() {
		return "", ErrUnknownUserType
	}
	if userID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := m.now()
	claims := Claims{
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a raw token and returns the actor it names.
func (m *Manager) Verify(raw string) (Actor, error) {
	if raw == "" {
		return Actor{}, ErrNoToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.UserType.Valid() {
		return Actor{}, ErrUnknownUserType
	}
	if claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{UserID: claims.Subject, Type: claims.UserType}, nil
}
