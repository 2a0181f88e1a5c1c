// Package tokencache keeps courier access tokens for the whole process.
//
// One Cache is created at startup and handed to every client that needs it.
// Concurrent requests for the same key share a single refresh.
package tokencache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// ExpiryBuffer is subtracted from the provider expiry so that a token is
// never handed out moments before it lapses.
const ExpiryBuffer = 60 * time.Second

var ErrClosed = errors.New("token cache closed")

type Token struct {
	Value  string    `json:"value"`
	Expiry time.Time `json:"expiry"`
}

type FetchFunc func(ctx context.Context) (Token, error)

// Store is an optional second level shared between processes (redis).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Cache struct {
	store Store
	now   func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	tokens map[string]Token
	closed bool
}

// New creates a cache; store may be nil.
func New(store Store) *Cache {
	return &Cache{
		store:  store,
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

// Token returns a valid token for key, calling fetch when none is cached.
func (c *Cache) Token(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	if tok, ok, err := c.cached(key); err != nil || ok {
		return tok, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// re-check: another flight may have finished while we were queued
		if tok, ok, err := c.cached(key); err != nil || ok {
			return tok, err
		}
		// the refresh is shared, so one caller's cancellation must not fail the others
		fctx := context.WithoutCancel(ctx)
		if tok, ok := c.fromStore(fctx, key); ok {
			return tok.Value, c.put(key, tok)
		}
		tok, err := fetch(fctx)
		if err != nil {
			return "", err
		}
		if tok.Value == "" {
			return "", errors.New("empty token")
		}
		if err := c.put(key, tok); err != nil {
			return "", err
		}
		c.toStore(fctx, key, tok)
		return tok.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops key so the next Token call fetches a fresh one.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
	c.group.Forget(key)

	if c.store != nil {
		if err := c.store.Del(ctx, storeKey(key)); err != nil {
			slog.Warn("token cache: store del failed", "key", key, "error", err)
		}
	}
}

// Close drops every token; later calls fail with ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.tokens = make(map[string]Token)
}

func (c *Cache) cached(key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false, ErrClosed
	}
	tok, ok := c.tokens[key]
	if !ok || !c.fresh(tok) {
		return "", false, nil
	}
	return tok.Value, true, nil
}

func (c *Cache) put(key string, tok Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.tokens[key] = tok
	return nil
}

func (c *Cache) fresh(tok Token) bool {
	if tok.Expiry.IsZero() {
		return true
	}
	return c.now().Before(tok.Expiry.Add(-ExpiryBuffer))
}

func (c *Cache) fromStore(ctx context.Context, key string) (Token, bool) {
	if c.store == nil {
		return Token{}, false
	}
	b, ok, err := c.store.Get(ctx, storeKey(key))
	if err != nil {
		slog.Warn("token cache: store get failed", "key", key, "error", err)
		return Token{}, false
	}
	if !ok {
		return Token{}, false
	}
	var tok Token
	if json.Unmarshal(b, &tok) != nil || tok.Value == "" || !c.fresh(tok) {
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) toStore(ctx context.Context, key string, tok Token) {
	if c.store == nil {
		return
	}
	ttl := time.Duration(0)
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(c.now()) - ExpiryBuffer
		if ttl <= 0 {
			return
		}
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, storeKey(key), b, ttl); err != nil {
		slog.Warn("token cache: store set failed", "key", key, "error", err)
	}
}

func storeKey(key string) string {
	return "courier:token:" + key
}
