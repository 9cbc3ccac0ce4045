package support

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const localAddrRefresh = time.Minute

// LocalChecker reports whether an address belongs to this host. The
// interface list is reloaded at most once a minute.
type LocalChecker struct {
	mu       sync.Mutex
	addrs    map[netip.Addr]struct{}
	loadedAt time.Time
	list     func() ([]net.Addr, error)
	now      func() time.Time
}

func NewLocalChecker() *LocalChecker {
	return &LocalChecker{list: net.InterfaceAddrs, now: time.Now}
}

func (c *LocalChecker) IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.addrs == nil || c.now().Sub(c.loadedAt) > localAddrRefresh {
		c.reload()
	}
	_, ok := c.addrs[addr]
	return ok
}

func (c *LocalChecker) reload() {
	c.loadedAt = c.now()
	ifaceAddrs, err := c.list()
	if err != nil {
		log.Warn("failed to list interface addresses", "error", err)
		if c.addrs == nil {
			c.addrs = make(map[netip.Addr]struct{})
		}
		return
	}

	addrs := make(map[netip.Addr]struct{}, len(ifaceAddrs))
	for _, a := range ifaceAddrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if parsed, ok := netip.AddrFromSlice(ip); ok {
			addrs[parsed.Unmap()] = struct{}{}
		}
	}
	c.addrs = addrs
}
