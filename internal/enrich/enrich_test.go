package enrich

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolverCachesNames(t *testing.T) {
	var calls atomic.Int32
	now := time.Unix(1_700_000_000, 0)
	r := NewResolver(
		WithLookup(func(ctx context.Context, addr string) ([]string, error) {
			calls.Add(1)
			if addr == "192.0.2.1" {
				return []string{"scanner.example.net."}, nil
			}
			return nil, errors.New("no such host")
		}),
		WithCacheTTL(time.Minute),
		withResolverClock(func() time.Time { return now }),
	)

	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < 3; i++ {
		if got := r.Hostname(context.Background(), addr); got != "scanner.example.net" {
			t.Fatalf("Hostname returned %q, want %q", got, "scanner.example.net")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("lookup called %d times, want 1", got)
	}

	if got := r.Hostname(context.Background(), netip.MustParseAddr("192.0.2.2")); got != "" {
		t.Fatalf("Hostname returned %q, want empty for a failed lookup", got)
	}
	r.Hostname(context.Background(), netip.MustParseAddr("192.0.2.2"))
	if got := calls.Load(); got != 2 {
		t.Fatalf("lookup called %d times, want failures cached too", got)
	}

	now = now.Add(2 * time.Minute)
	r.Hostname(context.Background(), addr)
	if got := calls.Load(); got != 3 {
		t.Fatalf("lookup called %d times after ttl, want 3", got)
	}
}

func TestResolverCoalescesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := NewResolver(WithLookup(func(ctx context.Context, addr string) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"host.example."}, nil
	}))

	addr := netip.MustParseAddr("2001:db8::1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Hostname(context.Background(), addr)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("lookup called %d times, want 1", got)
	}
}

func TestEnricherAnnotate(t *testing.T) {
	r := NewResolver(WithLookup(func(ctx context.Context, addr string) ([]string, error) {
		return []string{"h-" + addr + "."}, nil
	}))
	e := &Enricher{Resolver: r, GeoIP: &GeoIP{}, Workers: 2}

	addrs := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("2001:db8::5"),
	}
	notes := e.Annotate(context.Background(), addrs)
	if len(notes) != len(addrs) {
		t.Fatalf("Annotate returned %d notes, want %d", len(notes), len(addrs))
	}
	for _, addr := range addrs {
		want := Annotation{Host: "h-" + addr.String(), Country: unknownCountry}
		if got := notes[addr]; got != want {
			t.Fatalf("note for %s = %+v, want %+v", addr, got, want)
		}
	}
}

func TestEnricherWithoutSources(t *testing.T) {
	var e *Enricher
	if notes := e.Annotate(context.Background(), []netip.Addr{netip.MustParseAddr("192.0.2.1")}); len(notes) != 0 {
		t.Fatalf("Annotate returned %v, want empty", notes)
	}
}

func TestGeoIPUnavailable(t *testing.T) {
	var g *GeoIP
	if got := g.Country(netip.MustParseAddr("192.0.2.1")); got != unknownCountry {
		t.Fatalf("Country returned %q, want %q", got, unknownCountry)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close returned %v, want nil", err)
	}

	if _, err := OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatal("OpenGeoIP returned nil error for a missing file")
	}

	bogus := filepath.Join(t.TempDir(), "bogus.mmdb")
	if err := os.WriteFile(bogus, []byte("not a maxmind database"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenGeoIP(bogus); err == nil {
		t.Fatal("OpenGeoIP returned nil error for a corrupt file")
	}
}
