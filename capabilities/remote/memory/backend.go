// Package memory is an in-process global capabilities directory. Every
// Client created from the same Backend sees the same records, which makes
// it the backend of choice for development and tests.
package memory

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/remote"
	"github.com/kbukum/capdir/logger"
)

func init() {
	remote.RegisterProviderFactory(remote.ProviderMemory, func(cfg remote.Config, providerCfg any, log *logger.Logger) (remote.Client, error) {
		backend, _ := providerCfg.(*Backend)
		if backend == nil {
			backend = NewBackend(cfg.KnownGbids)
		}
		return NewClient(backend, cfg.ClusterControllerID), nil
	})
}

type record struct {
	entry capabilities.GlobalDiscoveryEntry
	owner string
}

// Backend holds GCD records per GBID.
type Backend struct {
	mu      sync.RWMutex
	clock   clock.Clock
	gbids   []string
	records map[string]map[string]record
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock touch uses for last-seen dates.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// NewBackend creates an empty backend serving gbids.
func NewBackend(gbids []string, opts ...Option) *Backend {
	b := &Backend{
		clock:   clock.New(),
		gbids:   append([]string(nil), gbids...),
		records: make(map[string]map[string]record, len(gbids)),
	}
	for _, gbid := range gbids {
		b.records[gbid] = make(map[string]record)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add stores entry in every gbid on behalf of owner.
func (b *Backend) Add(owner string, entry capabilities.GlobalDiscoveryEntry, gbids []string) capabilities.DiscoveryError {
	if derr := remote.CheckGbids(gbids, b.gbids); derr != "" {
		return derr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, gbid := range gbids {
		b.records[gbid][entry.ParticipantID] = record{entry: entry, owner: owner}
	}
	return ""
}

// Remove deletes participantID from gbids.
func (b *Backend) Remove(participantID string, gbids []string) capabilities.DiscoveryError {
	if derr := remote.CheckGbids(gbids, b.gbids); derr != "" {
		return derr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := false
	for _, gbid := range gbids {
		if _, ok := b.records[gbid][participantID]; ok {
			delete(b.records[gbid], participantID)
			removed = true
		}
	}
	if removed {
		return ""
	}
	return b.missingLocked(participantID)
}

// Lookup returns the entry of participantID from the first of gbids that
// has it.
func (b *Backend) Lookup(participantID string, gbids []string) (capabilities.GlobalDiscoveryEntry, capabilities.DiscoveryError) {
	if derr := remote.CheckGbids(gbids, b.gbids); derr != "" {
		return capabilities.GlobalDiscoveryEntry{}, derr
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, gbid := range gbids {
		if r, ok := b.records[gbid][participantID]; ok {
			return r.entry, ""
		}
	}
	return capabilities.GlobalDiscoveryEntry{}, b.missingLocked(participantID)
}

// LookupDomains returns the entries for interfaceName in any of domains
// across gbids. A participant registered in several GBIDs is returned once.
func (b *Backend) LookupDomains(domains []string, interfaceName string, gbids []string) ([]capabilities.GlobalDiscoveryEntry, capabilities.DiscoveryError) {
	if derr := remote.CheckGbids(gbids, b.gbids); derr != "" {
		return nil, derr
	}
	wanted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		wanted[d] = struct{}{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []capabilities.GlobalDiscoveryEntry
	for _, gbid := range gbids {
		for id, r := range b.records[gbid] {
			if _, dup := seen[id]; dup {
				continue
			}
			if _, ok := wanted[r.entry.Domain]; !ok || r.entry.InterfaceName != interfaceName {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, ""
}

// Touch refreshes the last-seen date of owner's records in gbid.
func (b *Backend) Touch(owner string, participantIDs []string, gbid string) capabilities.DiscoveryError {
	if derr := remote.CheckGbids([]string{gbid}, b.gbids); derr != "" {
		return derr
	}
	nowMs := b.clock.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range participantIDs {
		r, ok := b.records[gbid][id]
		if !ok || r.owner != owner {
			continue
		}
		r.entry.LastSeenDateMs = nowMs
		b.records[gbid][id] = r
	}
	return ""
}

// RemoveStale deletes owner's records in gbid last seen before
// maxLastSeenDateMs and returns how many were dropped.
func (b *Backend) RemoveStale(owner string, maxLastSeenDateMs int64, gbid string) (int, capabilities.DiscoveryError) {
	if derr := remote.CheckGbids([]string{gbid}, b.gbids); derr != "" {
		return 0, derr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, r := range b.records[gbid] {
		if r.owner == owner && r.entry.LastSeenDateMs < maxLastSeenDateMs {
			delete(b.records[gbid], id)
			n++
		}
	}
	return n, ""
}

// Entries returns the records of gbid ordered by participant id.
func (b *Backend) Entries(gbid string) []capabilities.GlobalDiscoveryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]capabilities.GlobalDiscoveryEntry, 0, len(b.records[gbid]))
	for _, r := range b.records[gbid] {
		out = append(out, r.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (b *Backend) missingLocked(participantID string) capabilities.DiscoveryError {
	for _, recs := range b.records {
		if _, ok := recs[participantID]; ok {
			return capabilities.ErrNoEntryForSelectedBackends
		}
	}
	return capabilities.ErrNoEntryForParticipant
}
