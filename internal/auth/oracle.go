// Package auth holds the token-backed answers to "is the user logged in" and
// the login redirect used when a session's authentication fails.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/taskstream/pkg/api"
)

// UserSource loads the current user, normally restapi.Client.
type UserSource interface {
	CurrentUser(ctx context.Context) (api.UserResponse, error)
}

// TokenOracle answers authentication questions from a bearer token and its
// optional expiry.
type TokenOracle struct {
	mu      sync.RWMutex
	token   string
	expires time.Time
	users   UserSource
	now     func() time.Time
}

func NewTokenOracle(token string, expires time.Time, users UserSource) *TokenOracle {
	return &TokenOracle{
		token:   strings.TrimSpace(token),
		expires: expires,
		users:   users,
		now:     time.Now,
	}
}

// Token returns the current token, or "" when it has expired.
func (o *TokenOracle) Token() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.expiredLocked() {
		return ""
	}
	return o.token
}

// IsAuthenticated is cheap and safe to poll.
func (o *TokenOracle) IsAuthenticated() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.token != "" && !o.expiredLocked()
}

func (o *TokenOracle) expiredLocked() bool {
	return !o.expires.IsZero() && !o.now().Before(o.expires)
}

// SetToken installs a fresh token after the user logs in again.
func (o *TokenOracle) SetToken(token string, expires time.Time) {
	o.mu.Lock()
	o.token = strings.TrimSpace(token)
	o.expires = expires
	o.mu.Unlock()
}

// Revoke forgets the token, e.g. after logout.
func (o *TokenOracle) Revoke() {
	o.SetToken("", time.Time{})
}

func (o *TokenOracle) CurrentUser(ctx context.Context) (api.UserResponse, error) {
	return o.users.CurrentUser(ctx)
}
