// Package store provides the in-memory DiscoveryEntryStore used for both
// the local entries and the global cache of the directory.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kbukum/capdir/capabilities"
)

type interfaceKey struct {
	domain        string
	interfaceName string
}

// Store is a thread-safe DiscoveryEntryStore keyed by participant id with a
// secondary (domain, interface) index. With a capacity set it evicts the
// least recently used entry once full.
type Store[T capabilities.Entry[T]] struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]T
	index   map[interfaceKey]map[string]struct{}
	lru     *simplelru.LRU[string, struct{}]
	evicted func(participantID string)
}

var (
	_ capabilities.DiscoveryEntryStore[capabilities.DiscoveryEntry]       = (*Store[capabilities.DiscoveryEntry])(nil)
	_ capabilities.DiscoveryEntryStore[capabilities.GlobalDiscoveryEntry] = (*Store[capabilities.GlobalDiscoveryEntry])(nil)
)

type options struct {
	clock    clock.Clock
	capacity int
	onEvict  func(participantID string)
}

// Option configures a Store.
type Option func(*options)

// WithClock sets the clock used for max-age checks.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCapacity bounds the number of entries. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithEvictionHook is called, with the store lock held, for every entry
// dropped to make room. It must not call back into the store.
func WithEvictionHook(fn func(participantID string)) Option {
	return func(o *options) { o.onEvict = fn }
}

// New creates an empty store.
func New[T capabilities.Entry[T]](opts ...Option) (*Store[T], error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store[T]{
		clock:   o.clock,
		entries: make(map[string]T),
		index:   make(map[interfaceKey]map[string]struct{}),
		evicted: o.onEvict,
	}
	if o.capacity > 0 {
		lru, err := simplelru.NewLRU[string, struct{}](o.capacity, func(participantID string, _ struct{}) {
			if _, ok := s.entries[participantID]; !ok {
				return
			}
			s.deleteLocked(participantID)
			if s.evicted != nil {
				s.evicted(participantID)
			}
		})
		if err != nil {
			return nil, err
		}
		s.lru = lru
	}
	return s, nil
}

// Add inserts or overwrites entries.
func (s *Store[T]) Add(entries ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		base := e.Entry()
		if old, ok := s.entries[base.ParticipantID]; ok {
			s.unindexLocked(old.Entry())
		}
		s.entries[base.ParticipantID] = e
		key := interfaceKey{domain: base.Domain, interfaceName: base.InterfaceName}
		ids, ok := s.index[key]
		if !ok {
			ids = make(map[string]struct{})
			s.index[key] = ids
		}
		ids[base.ParticipantID] = struct{}{}
		if s.lru != nil {
			s.lru.Add(base.ParticipantID, struct{}{})
		}
	}
}

// Remove deletes the entry for participantID, if any.
func (s *Store[T]) Remove(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(participantID)
	if s.lru != nil {
		s.lru.Remove(participantID)
	}
}

// Lookup returns the entry for participantID unless it is older than maxAge.
func (s *Store[T]) Lookup(participantID string, maxAge time.Duration) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[participantID]
	if !ok || !s.freshLocked(e.Entry(), maxAge) {
		var zero T
		return zero, false
	}
	if s.lru != nil {
		s.lru.Get(participantID)
	}
	return e, true
}

// LookupDomains returns the entries for interfaceName in any of domains.
func (s *Store[T]) LookupDomains(domains []string, interfaceName string, maxAge time.Duration) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(domains, interfaceName, func(e capabilities.DiscoveryEntry) bool {
		return s.freshLocked(e, maxAge)
	})
}

// LookupGlobalEntries returns the GLOBAL-scope entries for interfaceName in
// any of domains.
func (s *Store[T]) LookupGlobalEntries(domains []string, interfaceName string) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(domains, interfaceName, capabilities.DiscoveryEntry.IsGlobal)
}

// HasDiscoveryEntry reports whether an entry for the same provider is stored.
func (s *Store[T]) HasDiscoveryEntry(entry T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[entry.Entry().ParticipantID]
	return ok && stored.Entry().SameProvider(entry.Entry())
}

// TouchDiscoveryEntries refreshes all entries and returns the ids of the
// GLOBAL-scope ones in ascending order.
func (s *Store[T]) TouchDiscoveryEntries(lastSeenDateMs, expiryDateMs int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var global []string
	for id, e := range s.entries {
		s.entries[id] = e.Touched(lastSeenDateMs, expiryDateMs)
		if e.Entry().IsGlobal() {
			global = append(global, id)
		}
	}
	sort.Strings(global)
	return global
}

// TouchParticipants refreshes the listed entries. Unknown ids are ignored.
func (s *Store[T]) TouchParticipants(participantIDs []string, lastSeenDateMs, expiryDateMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range participantIDs {
		if e, ok := s.entries[id]; ok {
			s.entries[id] = e.Touched(lastSeenDateMs, expiryDateMs)
		}
	}
}

// AllDiscoveryEntries returns a snapshot of every entry.
func (s *Store[T]) AllDiscoveryEntries() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(capabilities.DiscoveryEntry) bool { return true })
}

// AllGlobalEntries returns a snapshot of the GLOBAL-scope entries.
func (s *Store[T]) AllGlobalEntries() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(capabilities.DiscoveryEntry.IsGlobal)
}

// RemoveExpired drops the entries whose expiry lies before nowMs.
func (s *Store[T]) RemoveExpired(nowMs int64) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := s.snapshotLocked(func(e capabilities.DiscoveryEntry) bool {
		return e.ExpiryDateMs < nowMs
	})
	for _, e := range expired {
		id := e.Entry().ParticipantID
		s.deleteLocked(id)
		if s.lru != nil {
			s.lru.Remove(id)
		}
	}
	return expired
}

// Len returns the number of stored entries.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[T]) freshLocked(e capabilities.DiscoveryEntry, maxAge time.Duration) bool {
	if maxAge == capabilities.NoMaxAge {
		return true
	}
	return s.clock.Now().UnixMilli()-e.LastSeenDateMs <= maxAge.Milliseconds()
}

func (s *Store[T]) collectLocked(domains []string, interfaceName string, keep func(capabilities.DiscoveryEntry) bool) []T {
	var out []T
	seen := make(map[string]struct{})
	for _, domain := range domains {
		for id := range s.index[interfaceKey{domain: domain, interfaceName: interfaceName}] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e := s.entries[id]; keep(e.Entry()) {
				out = append(out, e)
			}
		}
	}
	sortByParticipant(out)
	return out
}

func (s *Store[T]) snapshotLocked(keep func(capabilities.DiscoveryEntry) bool) []T {
	out := make([]T, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e.Entry()) {
			out = append(out, e)
		}
	}
	sortByParticipant(out)
	return out
}

func (s *Store[T]) deleteLocked(participantID string) {
	e, ok := s.entries[participantID]
	if !ok {
		return
	}
	s.unindexLocked(e.Entry())
	delete(s.entries, participantID)
}

func (s *Store[T]) unindexLocked(e capabilities.DiscoveryEntry) {
	key := interfaceKey{domain: e.Domain, interfaceName: e.InterfaceName}
	if ids, ok := s.index[key]; ok {
		delete(ids, e.ParticipantID)
		if len(ids) == 0 {
			delete(s.index, key)
		}
	}
}

func sortByParticipant[T capabilities.Entry[T]](entries []T) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Entry().ParticipantID < entries[j].Entry().ParticipantID
	})
}
