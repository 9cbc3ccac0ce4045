package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
	"banhammer/internal/enrich"
)

const noHostname = "---"

// Listing is the read-only view of one table.
type Listing struct {
	Table   domain.TableID
	Entries []domain.Entry
}

// Annotator attaches host names and countries to listed addresses.
// *enrich.Enricher implements it.
type Annotator interface {
	Annotate(ctx context.Context, addrs []netip.Addr) map[netip.Addr]enrich.Annotation
}

// List enumerates every configured table without removing anything. Tables
// that fail are left out and their errors are returned joined.
func (s *Sweeper) List(ctx context.Context) ([]Listing, error) {
	var (
		listings []Listing
		errs     []error
	)
	for _, t := range s.Tables {
		records, err := s.Store.Enumerate(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries := make([]domain.Entry, 0, len(records))
		for _, record := range records {
			entries = append(entries, record.Entry(t))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Address.Less(entries[j].Address) })
		listings = append(listings, Listing{Table: t, Entries: entries})
	}
	return listings, errors.Join(errs...)
}

var cellStyle = lipgloss.NewStyle().PaddingRight(2)

// FormatListing writes one block per table with the address, the time left
// before expiration and the host name. A country column is added when the
// annotator knows countries. annotator may be nil.
func FormatListing(ctx context.Context, w io.Writer, listings []Listing, now time.Time, annotator Annotator) error {
	for _, listing := range listings {
		var notes map[netip.Addr]enrich.Annotation
		if annotator != nil && len(listing.Entries) > 0 {
			addrs := make([]netip.Addr, len(listing.Entries))
			for i, e := range listing.Entries {
				addrs[i] = e.Address
			}
			notes = annotator.Annotate(ctx, addrs)
		}

		withCountry := false
		for _, n := range notes {
			if n.Country != "" {
				withCountry = true
				break
			}
		}

		headers := []string{"IP address", "expires in", "host name"}
		if withCountry {
			headers = append(headers, "country")
		}

		rows := make([][]string, 0, len(listing.Entries))
		for _, e := range listing.Entries {
			note := notes[e.Address]
			host := note.Host
			if host == "" {
				host = noHostname
			}
			row := []string{e.Address.String(), FormatRemaining(codec.Decode(e.Value), now), host}
			if withCountry {
				row = append(row, note.Country)
			}
			rows = append(rows, row)
		}

		if _, err := fmt.Fprintf(w, "Table %s:\n", listing.Table); err != nil {
			return err
		}
		if len(rows) == 0 {
			if _, err := fmt.Fprintln(w, "  no entries"); err != nil {
				return err
			}
			continue
		}

		t := table.New().
			Border(lipgloss.HiddenBorder()).
			BorderTop(false).
			BorderBottom(false).
			BorderLeft(false).
			BorderRight(false).
			BorderHeader(false).
			StyleFunc(func(row, col int) lipgloss.Style { return cellStyle }).
			Headers(headers...).
			Rows(rows...)
		if _, err := fmt.Fprintf(w, "%s\n\n", t.Render()); err != nil {
			return err
		}
	}
	return nil
}

// FormatRemaining renders the time left as never, expired or XdYhZmWs.
func FormatRemaining(expiry codec.Expiry, now time.Time) string {
	if expiry.IsNever() {
		return "never"
	}
	if expiry.Expired(now) {
		return "expired"
	}
	left := int64(expiry.Remaining(now) / time.Second)
	days := left / 86400
	hours := left % 86400 / 3600
	minutes := left % 3600 / 60
	seconds := left % 60
	return fmt.Sprintf("%dd%dh%dm%ds", days, hours, minutes, seconds)
}
