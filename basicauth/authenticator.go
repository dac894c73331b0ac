package basicauth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/die-net/lrucache"
)

// Authenticator checks credentials against the active user table.
// It is safe for concurrent use; the table can be replaced while requests are being authenticated.
type Authenticator struct {
	users   atomic.Pointer[Users]
	cache   *lrucache.LruCache
	metrics *Metrics
}

type AuthenticatorOption func(*Authenticator)

// WithVerificationCache remembers successful bcrypt checks for ttl, bounded to maxBytes of cache entries.
// Only a digest of the credentials is kept. A maxBytes or ttl of zero or less disables the cache.
// Entries expire with second granularity, so ttl is rounded up to a whole second.
func WithVerificationCache(maxBytes int64, ttl time.Duration) AuthenticatorOption {
	return func(a *Authenticator) {
		if maxBytes <= 0 || ttl <= 0 {
			a.cache = nil
			return
		}
		a.cache = lrucache.New(maxBytes, cacheMaxAge(ttl))
	}
}

// cacheMaxAge converts ttl to the whole seconds lrucache expects. Zero would never expire.
func cacheMaxAge(ttl time.Duration) int64 {
	return max(1, int64((ttl+time.Second-1)/time.Second))
}

// WithAuthenticatorMetrics records verification durations and cache usage.
func WithAuthenticatorMetrics(m *Metrics) AuthenticatorOption {
	return func(a *Authenticator) {
		a.metrics = m
	}
}

func NewAuthenticator(users *Users, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{}
	for _, opt := range opts {
		opt(a)
	}
	a.SetUsers(users)
	return a
}

// Users returns the active user table.
func (a *Authenticator) Users() *Users {
	return a.users.Load()
}

// SetUsers atomically replaces the user table. A nil table rejects every user.
func (a *Authenticator) SetUsers(users *Users) {
	if users == nil {
		users = &Users{}
	}
	a.users.Store(users)
	a.metrics.setUsers(users.Len())
}

// Authenticate returns the user when username exists and password matches exactly.
func (a *Authenticator) Authenticate(username, password string) (*User, error) {
	start := time.Now()
	user, err := a.authenticate(username, password)
	a.metrics.observeVerify(err, time.Since(start))
	return user, err
}

func (a *Authenticator) authenticate(username, password string) (*User, error) {
	user, ok := a.Users().Lookup(username)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	if !user.hashed() || a.cache == nil {
		if err := user.verify(password); err != nil {
			return nil, err
		}
		return user, nil
	}

	// The stored hash is part of the key so a password change invalidates earlier entries.
	key := cacheKey(username, password, user.secret())
	if _, hit := a.cache.Get(key); hit {
		a.metrics.cacheHit()
		return user, nil
	}
	a.metrics.cacheMiss()
	if err := user.verify(password); err != nil {
		return nil, err
	}
	a.cache.Set(key, []byte{1})
	return user, nil
}

func cacheKey(username, password, secret string) string {
	h := sha256.New()
	for _, s := range []string{username, password, secret} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
