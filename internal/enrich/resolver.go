// Package enrich annotates listed addresses with reverse DNS names and
// GeoIP countries.
package enrich

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL      = 12 * time.Hour
	defaultLookupTimeout = 2 * time.Second
)

type LookupFunc func(ctx context.Context, addr string) ([]string, error)

type dnsCacheEntry struct {
	name    string
	expires time.Time
}

// Resolver performs reverse lookups. Results, failures included, are cached
// for the TTL and concurrent lookups of one address are coalesced.
type Resolver struct {
	lookup  LookupFunc
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	cache sync.Map
	group singleflight.Group
}

type ResolverOption func(*Resolver)

func WithLookup(fn LookupFunc) ResolverOption {
	return func(r *Resolver) {
		r.lookup = fn
	}
}

func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

func withResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lookup:  net.DefaultResolver.LookupAddr,
		ttl:     defaultCacheTTL,
		timeout: defaultLookupTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hostname returns the first PTR name for addr without the trailing dot, or
// "" when there is none.
func (r *Resolver) Hostname(ctx context.Context, addr netip.Addr) string {
	key := addr.String()
	now := r.now()
	if cached, ok := r.cache.Load(key); ok {
		entry := cached.(dnsCacheEntry)
		if now.Before(entry.expires) {
			return entry.name
		}
	}

	result, _, _ := r.group.Do(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		names, err := r.lookup(lookupCtx, key)
		if err != nil || len(names) == 0 {
			return "", nil
		}
		return strings.TrimSuffix(names[0], "."), nil
	})

	name, _ := result.(string)
	r.cache.Store(key, dnsCacheEntry{name: name, expires: now.Add(r.ttl)})
	return name
}
