package routing

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
)

const (
	DefaultRouteTimeout = time.Hour
	DefaultMaxRoutes    = 256
)

// Route is a learned path to a destination.
type Route struct {
	Destination meshid.NodeID
	NextHop     meshid.NodeID
	HopCount    uint8
	Quality     float32
	LastUpdated time.Time
}

// DirectRoute is a one hop route to a neighbor.
func DirectRoute(destination meshid.NodeID) Route {
	return Route{
		Destination: destination,
		NextHop:     destination,
		HopCount:    1,
		Quality:     1,
	}
}

func ViaRoute(destination, nextHop meshid.NodeID, hopCount uint8, quality float32) Route {
	return Route{
		Destination: destination,
		NextHop:     nextHop,
		HopCount:    hopCount,
		Quality:     quality,
	}
}

func (r Route) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastUpdated) > timeout
}

// score ranks routes for eviction. Expired routes always rank lowest.
func (r Route) score(now time.Time, timeout time.Duration) float32 {
	if r.IsExpired(now, timeout) {
		return -1
	}
	return r.Quality / float32(max(r.HopCount, 1))
}

// Table holds at most one route per destination.
type Table struct {
	routes    map[meshid.NodeID]Route
	timeout   time.Duration
	maxRoutes int
	clock     clock.Clock
}

func NewTable(timeout time.Duration, maxRoutes int, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	if maxRoutes <= 0 {
		maxRoutes = DefaultMaxRoutes
	}
	return &Table{
		routes:    make(map[meshid.NodeID]Route),
		timeout:   timeout,
		maxRoutes: maxRoutes,
		clock:     clk,
	}
}

// Update offers a candidate route, stamped with the current time. An existing
// route is replaced when the candidate has fewer hops, the same hops and a
// better quality, or when the existing one has expired. Returns whether the
// candidate was stored.
func (t *Table) Update(route Route) bool {
	now := t.clock.Now()
	route.LastUpdated = now

	if existing, ok := t.routes[route.Destination]; ok {
		if route.HopCount < existing.HopCount ||
			(route.HopCount == existing.HopCount && route.Quality > existing.Quality) ||
			existing.IsExpired(now, t.timeout) {
			t.routes[route.Destination] = route
			return true
		}
		return false
	}

	if len(t.routes) >= t.maxRoutes {
		t.evictWorst(now)
	}
	t.routes[route.Destination] = route
	return true
}

// Get returns the route to destination if it has not expired.
func (t *Table) Get(destination meshid.NodeID) (Route, bool) {
	r, ok := t.routes[destination]
	if !ok || r.IsExpired(t.clock.Now(), t.timeout) {
		return Route{}, false
	}
	return r, true
}

// Touch refreshes a live route.
func (t *Table) Touch(destination meshid.NodeID) bool {
	r, ok := t.Get(destination)
	if !ok {
		return false
	}
	r.LastUpdated = t.clock.Now()
	t.routes[destination] = r
	return true
}

func (t *Table) Remove(destination meshid.NodeID) (Route, bool) {
	r, ok := t.routes[destination]
	delete(t.routes, destination)
	return r, ok
}

// Prune drops expired routes and returns how many were removed.
func (t *Table) Prune() int {
	now := t.clock.Now()
	removed := 0
	for dest, r := range t.routes {
		if r.IsExpired(now, t.timeout) {
			delete(t.routes, dest)
			removed++
		}
	}
	return removed
}

// All returns the live routes.
func (t *Table) All() []Route {
	now := t.clock.Now()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		if !r.IsExpired(now, t.timeout) {
			out = append(out, r)
		}
	}
	return out
}

// Len counts stored routes, expired ones included until pruned.
func (t *Table) Len() int {
	return len(t.routes)
}

func (t *Table) evictWorst(now time.Time) {
	var (
		worst      meshid.NodeID
		worstScore float32
		found      bool
	)
	for dest, r := range t.routes {
		s := r.score(now, t.timeout)
		if !found || s < worstScore || (s == worstScore && dest < worst) {
			worst, worstScore, found = dest, s, true
		}
	}
	if found {
		delete(t.routes, worst)
	}
}
