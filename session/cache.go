// Package session caches the vendor Credential shared by every lookup.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/genesistracer/tracer/nexhome"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is well under the vendor's own token lifetime.
const DefaultTTL = 15 * time.Minute

// Authenticator obtains a fresh Credential from the vendor.
type Authenticator interface {
	Authenticate(ctx context.Context) (nexhome.Credential, error)
}

// Cache holds at most one Credential. The Credential is replaced wholesale on
// refresh and dropped on Invalidate, never modified in place.
type Cache struct {
	auth      Authenticator
	ttl       time.Duration
	now       func() time.Time
	logger    *log.Logger
	gauge     prometheus.Gauge
	refreshes *prometheus.CounterVec

	group singleflight.Group

	mu   sync.RWMutex
	cred *nexhome.Credential
}

// The Option type describes functions that operate on Cache during New.
type Option func(*Cache)

// TTL sets how long a Credential is used after it was issued.
func TTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// Clock replaces time.Now.
func Clock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Logger will set the logger used to log refreshes and invalidations.
func Logger(l log.Logger) Option {
	return func(c *Cache) {
		c.logger = &l
	}
}

// Gauge will be set to 1 while a Credential is cached and 0 otherwise.
func Gauge(g prometheus.Gauge) Option {
	return func(c *Cache) {
		c.gauge = g
	}
}

// Refreshes counts authenticate calls, it must have a "result" label.
func Refreshes(cv *prometheus.CounterVec) Option {
	return func(c *Cache) {
		c.refreshes = cv
	}
}

// New returns an empty Cache refreshing through auth.
func New(auth Authenticator, options ...Option) *Cache {
	c := &Cache{
		auth: auth,
		ttl:  DefaultTTL,
		now:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Get returns the cached Credential if it is still valid.
func (c *Cache) Get() (nexhome.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cred == nil || !c.cred.Valid(c.now()) {
		return nexhome.Credential{}, false
	}
	return *c.cred, true
}

// GetOrRefresh returns the cached Credential while now < IssuedAt + TTL and
// authenticates otherwise. Concurrent callers that find the cache empty share
// one authenticate call. Nothing is cached when it fails.
func (c *Cache) GetOrRefresh(ctx context.Context) (nexhome.Credential, error) {
	if cred, ok := c.Get(); ok {
		return cred, nil
	}

	// the refresh outlives a caller that gives up, others may be waiting on it
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nexhome.Credential{}, errors.Wrap(ctx.Err(), "waiting for vendor session")
	case res := <-ch:
		if res.Err != nil {
			return nexhome.Credential{}, res.Err
		}
		return res.Val.(nexhome.Credential), nil
	}
}

func (c *Cache) refresh(ctx context.Context) (nexhome.Credential, error) {
	if cred, ok := c.Get(); ok {
		return cred, nil
	}

	issued := c.now()
	cred, err := c.auth.Authenticate(ctx)
	if err == nil && !cred.Complete() {
		err = &nexhome.Error{Op: "login", Kind: nexhome.ErrAuth, Message: "incomplete credential"}
	}
	if err != nil {
		c.count("error")
		if c.logger != nil {
			c.logger.Error(errors.Wrap(err, "vendor session refresh"))
		}
		return nexhome.Credential{}, err
	}

	cred.IssuedAt = issued
	cred.Validity = c.ttl

	c.mu.Lock()
	c.cred = &cred
	c.mu.Unlock()

	c.count("ok")
	if c.gauge != nil {
		c.gauge.Set(1)
	}
	if c.logger != nil {
		c.logger.With("expires", cred.ExpiresAt()).Info("vendor session refreshed")
	}
	return cred, nil
}

// Invalidate drops the cached Credential so the next GetOrRefresh authenticates.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	had := c.cred != nil
	c.cred = nil
	c.mu.Unlock()

	if c.gauge != nil {
		c.gauge.Set(0)
	}
	if had && c.logger != nil {
		c.logger.Info("vendor session invalidated")
	}
}

func (c *Cache) count(result string) {
	if c.refreshes != nil {
		c.refreshes.With(prometheus.Labels{"result": result}).Inc()
	}
}
