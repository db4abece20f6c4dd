package neighbor

import (
	"cmp"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/telemetry"
)

const (
	DefaultTimeout    = 2 * time.Hour
	DefaultMaxEntries = 256
)

// Neighbor is a node heard directly.
type Neighbor struct {
	Info        NodeInfo
	LinkQuality LinkQuality
	LastSeen    time.Time
	HopCount    uint8
	Telemetry   *telemetry.Telemetry
}

func (n Neighbor) ID() meshid.NodeID {
	return n.Info.ID
}

// Table holds directly heard nodes. It is not safe for concurrent use.
type Table struct {
	neighbors  map[meshid.NodeID]*Neighbor
	timeout    time.Duration
	maxEntries int
	clock      clock.Clock
}

// NewTable creates a table. A nil clock means wall time.
func NewTable(timeout time.Duration, maxEntries int, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Table{
		neighbors:  make(map[meshid.NodeID]*Neighbor),
		timeout:    timeout,
		maxEntries: maxEntries,
		clock:      clk,
	}
}

// Update records a reception from id, creating the entry on first sight.
func (t *Table) Update(id meshid.NodeID, rssi, snr float32) {
	now := t.clock.Now()
	if n, ok := t.neighbors[id]; ok {
		n.LinkQuality.Update(rssi, snr)
		n.LastSeen = now
		return
	}
	if len(t.neighbors) >= t.maxEntries {
		t.evictOldest()
	}
	t.neighbors[id] = &Neighbor{
		Info:        NodeInfo{ID: id},
		LinkQuality: NewLinkQuality(rssi, snr),
		LastSeen:    now,
		HopCount:    1,
	}
}

// UpdateInfo replaces the announced info of a known neighbor. Unknown IDs are
// ignored.
func (t *Table) UpdateInfo(id meshid.NodeID, info NodeInfo) bool {
	n, ok := t.neighbors[id]
	if !ok {
		return false
	}
	info.ID = id
	n.Info = info
	return true
}

func (t *Table) UpdateTelemetry(id meshid.NodeID, tel *telemetry.Telemetry) bool {
	n, ok := t.neighbors[id]
	if !ok {
		return false
	}
	n.Telemetry = tel
	return true
}

// RecordRTT folds an acknowledged round trip into the neighbor's link
// quality. Unknown IDs are ignored.
func (t *Table) RecordRTT(id meshid.NodeID, ms float32) bool {
	n, ok := t.neighbors[id]
	if !ok {
		return false
	}
	n.LinkQuality.RecordRTT(ms)
	return true
}

func (t *Table) Get(id meshid.NodeID) (Neighbor, bool) {
	n, ok := t.neighbors[id]
	if !ok {
		return Neighbor{}, false
	}
	return *n, true
}

func (t *Table) Remove(id meshid.NodeID) {
	delete(t.neighbors, id)
}

func (t *Table) isStale(n *Neighbor, now time.Time) bool {
	return now.Sub(n.LastSeen) > t.timeout
}

// All returns every entry including stale ones, ordered by ID.
func (t *Table) All() []Neighbor {
	out := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b Neighbor) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Active returns entries heard within the timeout, ordered by ID.
func (t *Table) Active() []Neighbor {
	now := t.clock.Now()
	out := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		if !t.isStale(n, now) {
			out = append(out, *n)
		}
	}
	slices.SortFunc(out, func(a, b Neighbor) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// PruneStale drops entries not heard within the timeout and returns how many
// were removed.
func (t *Table) PruneStale() int {
	now := t.clock.Now()
	removed := 0
	for id, n := range t.neighbors {
		if t.isStale(n, now) {
			delete(t.neighbors, id)
			removed++
		}
	}
	return removed
}

// BestNeighbor is the active entry with the highest quality score.
func (t *Table) BestNeighbor() (Neighbor, bool) {
	sorted := t.SortedByQuality()
	if len(sorted) == 0 {
		return Neighbor{}, false
	}
	return sorted[0], true
}

// SortedByQuality returns active entries, best link first.
func (t *Table) SortedByQuality() []Neighbor {
	active := t.Active()
	slices.SortStableFunc(active, func(a, b Neighbor) int {
		return cmp.Compare(b.LinkQuality.QualityScore(), a.LinkQuality.QualityScore())
	})
	return active
}

func (t *Table) Len() int {
	return len(t.neighbors)
}

func (t *Table) Clear() {
	clear(t.neighbors)
}

func (t *Table) evictOldest() {
	var (
		oldest   meshid.NodeID
		oldestAt time.Time
		found    bool
	)
	for id, n := range t.neighbors {
		if !found || n.LastSeen.Before(oldestAt) || (n.LastSeen.Equal(oldestAt) && id < oldest) {
			oldest, oldestAt, found = id, n.LastSeen, true
		}
	}
	if found {
		delete(t.neighbors, oldest)
	}
}
