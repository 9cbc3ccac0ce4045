package enrich

import (
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

const unknownCountry = "N/A"

// GeoIP looks up country codes in a MaxMind country database.
type GeoIP struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{reader: reader}, nil
}

// Country returns the ISO code for addr, or N/A when it is unknown or no
// database is loaded.
func (g *GeoIP) Country(addr netip.Addr) string {
	if g == nil || g.reader == nil {
		return unknownCountry
	}
	record, err := g.reader.Country(net.IP(addr.Unmap().AsSlice()))
	if err != nil || record == nil || record.Country.IsoCode == "" {
		return unknownCountry
	}
	return strings.ToUpper(record.Country.IsoCode)
}

func (g *GeoIP) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
