package threadsync

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth is the session collaborator. The engine only reads from it: it gates
// the realtime connection and excludes the local user from typing and unread
// accounting.
type Auth interface {
	IsAuthenticated() bool
	CurrentUserID() string
	Token() string
}

// TokenAuth is an Auth backed by a bearer token. When the token is a JWT, the
// user id is read from its claims and its expiry is honored. The signature is
// not verified; that is the server's job.
type TokenAuth struct {
	mu      sync.RWMutex
	token   string
	userID  string
	expires time.Time
	now     func() time.Time
}

var userIDClaims = []string{"sub", "user_id", "userId", "uid", "imUserId"}

// NewTokenAuth creates a TokenAuth and extracts the user id from token if it is a JWT.
func NewTokenAuth(token string) *TokenAuth {
	a := &TokenAuth{now: time.Now}
	a.SetToken(token)
	return a
}

// SetToken replaces the session token. An empty token logs the session out.
func (a *TokenAuth) SetToken(token string) {
	userID, expires := parseClaims(token)
	a.mu.Lock()
	a.token = token
	if userID != "" || token == "" {
		a.userID = userID
	}
	a.expires = expires
	a.mu.Unlock()
}

// SetUserID overrides the user id, for opaque (non-JWT) tokens.
func (a *TokenAuth) SetUserID(id string) {
	a.mu.Lock()
	a.userID = NormalizeID(id)
	a.mu.Unlock()
}

// Logout clears token and identity.
func (a *TokenAuth) Logout() { a.SetToken("") }

func (a *TokenAuth) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == "" {
		return false
	}
	return a.expires.IsZero() || a.now().Before(a.expires)
}

func (a *TokenAuth) CurrentUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID
}

func (a *TokenAuth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Expires returns the token's exp claim, or the zero time when it has none.
func (a *TokenAuth) Expires() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expires
}

func parseClaims(token string) (string, time.Time) {
	if token == "" {
		return "", time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}
	}
	var userID string
	for _, k := range userIDClaims {
		if id := NormalizeID(claims[k]); id != "" {
			userID = id
			break
		}
	}
	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	return userID, expires
}
