// Package auth issues and validates bearer tokens and resolves them to the
// server's own record of a user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/rollcall/go/internal/models"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrIdentityMismatch = errors.New("identity does not match token")
)

// Claims are the JWT claims of a session token. The user id is the standard
// subject claim.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 session tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewTokens creates a token authority.
func NewTokens(secret, issuer string, ttl time.Duration, clock clockwork.Clock) *Tokens {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clock}
}

// Issue signs a token for userID within tenantID.
func (t *Tokens) Issue(userID, tenantID string) (string, error) {
	now := t.clock.Now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and verifies a token.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub (user ID) in token", ErrUnauthenticated)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tid (tenant ID) in token", ErrUnauthenticated)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header, falling back
// to the access_token query parameter for browser websocket clients.
func BearerToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			return "", fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
		}
		return tokenString, nil
	}
	if tokenString := r.URL.Query().Get("access_token"); tokenString != "" {
		return tokenString, nil
	}
	return "", fmt.Errorf("%w: authorization header required", ErrUnauthenticated)
}

// IdentityLookup returns the server's record of a user.
type IdentityLookup interface {
	LookupIdentity(ctx context.Context, tenantID, userID string) (models.Identity, error)
}

// Authenticator resolves requests to server-validated identities.
type Authenticator struct {
	tokens *Tokens
	lookup IdentityLookup
}

func NewAuthenticator(tokens *Tokens, lookup IdentityLookup) *Authenticator {
	return &Authenticator{tokens: tokens, lookup: lookup}
}

// Authenticate validates the request's bearer token and loads the user's
// record. Role always comes from the record, never from the client.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (models.Identity, error) {
	tokenString, err := BearerToken(r)
	if err != nil {
		return models.Identity{}, err
	}
	return a.AuthenticateToken(ctx, tokenString)
}

// AuthenticateToken is Authenticate for a bare token.
func (a *Authenticator) AuthenticateToken(ctx context.Context, tokenString string) (models.Identity, error) {
	claims, err := a.tokens.Validate(tokenString)
	if err != nil {
		return models.Identity{}, err
	}
	id, err := a.lookup.LookupIdentity(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return id, nil
}

// CheckHint compares the identity a client claims in its handshake with the
// verified one. Empty hint fields are not compared.
func CheckHint(verified models.Identity, userID, tenantID string) error {
	if userID != "" && userID != verified.UserID {
		return fmt.Errorf("%w: user %s", ErrIdentityMismatch, userID)
	}
	if tenantID != "" && tenantID != verified.TenantID {
		return fmt.Errorf("%w: tenant %s", ErrIdentityMismatch, tenantID)
	}
	return nil
}
