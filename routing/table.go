package routing

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
)

// Route is a snapshot of one routing table entry.
type Route struct {
	ParticipantID     string               `json:"participantId"`
	Address           capabilities.Address `json:"address"`
	IsGloballyVisible bool                 `json:"isGloballyVisible"`
	ExpiryDateMs      int64                `json:"expiryDateMs"`
	References        int                  `json:"references"`
}

// Table maps participant ids to addresses. It is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	clock  clock.Clock
	routes map[string]*Route
}

var _ capabilities.RoutingTable = (*Table)(nil)

// NewTable creates an empty table. A nil clock means the wall clock.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{clock: clk, routes: make(map[string]*Route)}
}

// Put adds or updates the route for participantID. An existing route keeps
// its reference count and the later of both expiry dates.
func (t *Table) Put(participantID string, address capabilities.Address, isGloballyVisible bool, expiryDateMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.routes[participantID]; ok {
		r.Address = address
		r.IsGloballyVisible = isGloballyVisible
		r.ExpiryDateMs = max(r.ExpiryDateMs, expiryDateMs)
		return
	}
	t.routes[participantID] = &Route{
		ParticipantID:     participantID,
		Address:           address,
		IsGloballyVisible: isGloballyVisible,
		ExpiryDateMs:      expiryDateMs,
	}
}

// IncrementReferenceCount marks one more user of the route.
func (t *Table) IncrementReferenceCount(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[participantID]
	if !ok {
		return errors.NotFound("route", participantID)
	}
	r.References++
	return nil
}

// Release drops one reference. The route is removed once unreferenced and
// expired.
func (t *Table) Release(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[participantID]
	if !ok {
		return
	}
	if r.References > 0 {
		r.References--
	}
	if r.References == 0 && r.ExpiryDateMs < t.clock.Now().UnixMilli() {
		delete(t.routes, participantID)
	}
}

// Lookup returns the address of participantID unless the route expired.
func (t *Table) Lookup(participantID string) (capabilities.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[participantID]
	if !ok || r.ExpiryDateMs < t.clock.Now().UnixMilli() {
		return nil, false
	}
	return r.Address, true
}

// Remove deletes the route regardless of references.
func (t *Table) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, participantID)
}

// PurgeExpired removes expired routes nobody references and returns how
// many were dropped.
func (t *Table) PurgeExpired() int {
	nowMs := t.clock.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.routes {
		if r.References == 0 && r.ExpiryDateMs < nowMs {
			delete(t.routes, id)
			n++
		}
	}
	return n
}

// Routes returns a snapshot ordered by participant id.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
