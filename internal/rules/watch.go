package rules

import (
	"container/list"
	"net/netip"
	"time"
)

type watcher struct {
	addr      netip.Addr
	count     int
	firstSeen time.Time
}

// watchList counts hits per host inside a window. Entries are kept in order
// of first sighting, so expired ones always sit at the front.
type watchList struct {
	capacity int
	window   time.Duration
	items    map[netip.Addr]*list.Element
	order    *list.List
}

func newWatchList(capacity int, window time.Duration) *watchList {
	if capacity <= 0 {
		capacity = DefaultMaxHosts
	}
	if window <= 0 {
		window = DefaultWithin
	}
	return &watchList{
		capacity: capacity,
		window:   window,
		items:    make(map[netip.Addr]*list.Element),
		order:    list.New(),
	}
}

type hitResult int

const (
	hitWatching hitResult = iota
	hitThreshold
	hitRepeat
	hitOverflow
)

// hit records one sighting of addr and reports whether the ban threshold was reached.
func (w *watchList) hit(addr netip.Addr, threshold int, now time.Time) (hitResult, int) {
	w.cleanExpired(now)

	if elem, ok := w.items[addr]; ok {
		entry := elem.Value.(*watcher)
		entry.count++
		switch {
		case entry.count == threshold:
			return hitThreshold, entry.count
		case entry.count > threshold:
			return hitRepeat, entry.count
		default:
			return hitWatching, entry.count
		}
	}

	if w.order.Len() >= w.capacity {
		return hitOverflow, 0
	}

	entry := &watcher{addr: addr, count: 1, firstSeen: now}
	w.items[addr] = w.order.PushBack(entry)
	if threshold <= 1 {
		return hitThreshold, 1
	}
	return hitWatching, 1
}

// cleanExpired drops hosts whose window has closed.
func (w *watchList) cleanExpired(now time.Time) int {
	removed := 0
	for elem := w.order.Front(); elem != nil; {
		entry := elem.Value.(*watcher)
		if !entry.firstSeen.Add(w.window).Before(now) {
			break
		}
		next := elem.Next()
		w.order.Remove(elem)
		delete(w.items, entry.addr)
		removed++
		elem = next
	}
	return removed
}

func (w *watchList) Len() int {
	return w.order.Len()
}
