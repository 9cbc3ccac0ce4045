package enrich

import (
	"context"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 16

// Annotation is what is known about one address. Empty fields were not
// looked up.
type Annotation struct {
	Host    string
	Country string
}

// Enricher combines the optional resolver and GeoIP database.
type Enricher struct {
	Resolver *Resolver
	GeoIP    *GeoIP
	Workers  int
}

// Annotate looks up every address concurrently. Lookups that fail leave the
// host name empty; the country is N/A when a database is set but has no answer.
func (e *Enricher) Annotate(ctx context.Context, addrs []netip.Addr) map[netip.Addr]Annotation {
	out := make(map[netip.Addr]Annotation, len(addrs))
	if e == nil || (e.Resolver == nil && e.GeoIP == nil) {
		return out
	}

	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			var note Annotation
			if e.Resolver != nil {
				note.Host = e.Resolver.Hostname(gctx, addr)
			}
			if e.GeoIP != nil {
				note.Country = e.GeoIP.Country(addr)
			}
			mu.Lock()
			out[addr] = note
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
