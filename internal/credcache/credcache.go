// Package credcache reuses signed access tokens until they are close to
// expiring.
//
// A token is handed out only while its expiry is later than now plus the
// refresh window, so a request that starts with a cached token cannot see it
// expire mid-flight. Concurrent callers for the same identity may both sign a
// fresh token; the last write wins and both tokens are valid.
package credcache

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/queuepump/internal/metrics"
	"github.com/storacha/queuepump/internal/sas"
)

var log = logging.Logger("credcache")

const (
	// DefaultValidity is how long a freshly signed token remains valid.
	DefaultValidity = 15 * time.Minute

	// DefaultRefreshWindow is the minimum remaining validity of a cached token.
	DefaultRefreshWindow = 3 * time.Minute
)

// Entry is a cached token and the instant it stops being valid.
type Entry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store holds one entry per identity key. Put overwrites.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Clear(ctx context.Context) error
}

type Cache struct {
	store Store
	now   func() time.Time
}

type Option func(*Cache)

// WithStore replaces the default in-memory store, e.g. with a store shared
// between processes.
func WithStore(s Store) Option {
	return func(c *Cache) {
		c.store = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

type tokenConfig struct {
	validity      time.Duration
	refreshWindow time.Duration
}

type TokenOption func(*tokenConfig)

func WithValidity(d time.Duration) TokenOption {
	return func(tc *tokenConfig) {
		if d > 0 {
			tc.validity = d
		}
	}
}

func WithRefreshWindow(d time.Duration) TokenOption {
	return func(tc *tokenConfig) {
		if d > 0 {
			tc.refreshWindow = d
		}
	}
}

// GetToken returns the cached token for id if it remains valid for longer
// than the refresh window, otherwise it signs, stores and returns a new one.
//
// Store failures are logged and do not fail the call: signing is local, so a
// token can always be produced.
func (c *Cache) GetToken(ctx context.Context, id sas.Identity, signer sas.Signer, opts ...TokenOption) (string, error) {
	tc := tokenConfig{validity: DefaultValidity, refreshWindow: DefaultRefreshWindow}
	for _, opt := range opts {
		opt(&tc)
	}

	key := id.Key()

	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Warnw("reading cached token", "identity", key, "error", err)
	} else if ok && entry.ExpiresAt.After(c.now().Add(tc.refreshWindow)) {
		return entry.Token, nil
	}

	token, err := signer.Sign(id, tc.validity)
	if err != nil {
		return "", err
	}

	entry = Entry{Token: token, ExpiresAt: c.now().Add(tc.validity)}
	if err := c.store.Put(ctx, key, entry); err != nil {
		log.Warnw("caching token", "identity", key, "error", err)
	}

	metrics.TokenRefreshes.Add(ctx, 1)
	log.Debugf("Signed new token for %s, valid until %s", key, entry.ExpiresAt.Format(time.RFC3339))

	return token, nil
}

// Clear drops every cached token, forcing the next call for each identity to
// sign again (e.g. after a key rotation).
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// TokenSource yields a token that is valid for the next request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type cachedSource struct {
	cache  *Cache
	id     sas.Identity
	signer sas.Signer
	opts   []TokenOption
}

// Source binds an identity and signer to the cache.
func (c *Cache) Source(id sas.Identity, signer sas.Signer, opts ...TokenOption) TokenSource {
	return &cachedSource{cache: c, id: id, signer: signer, opts: opts}
}

func (s *cachedSource) Token(ctx context.Context) (string, error) {
	return s.cache.GetToken(ctx, s.id, s.signer, s.opts...)
}

// Static is a pre-built token, used as-is for every request.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}
