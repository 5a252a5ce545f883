package capabilities

import "time"

// NoMaxAge disables the max-age filter of store lookups.
const NoMaxAge = time.Duration(1<<63 - 1)

// Entry is the constraint shared by DiscoveryEntry and GlobalDiscoveryEntry.
type Entry[T any] interface {
	Entry() DiscoveryEntry
	Touched(lastSeenDateMs, expiryDateMs int64) T
}

// DiscoveryEntryStore is a thread-safe keyed store of directory entries.
// The directory keeps two: its own providers and the global cache.
type DiscoveryEntryStore[T Entry[T]] interface {
	// Add inserts or overwrites entries keyed by participant id.
	Add(entries ...T)
	Remove(participantID string)
	// Lookup returns the entry unless it was last seen more than maxAge ago.
	Lookup(participantID string, maxAge time.Duration) (T, bool)
	// LookupDomains returns entries for interfaceName in any of domains,
	// subject to the same maxAge rule.
	LookupDomains(domains []string, interfaceName string, maxAge time.Duration) []T
	// LookupGlobalEntries is LookupDomains restricted to GLOBAL scope.
	LookupGlobalEntries(domains []string, interfaceName string) []T
	// HasDiscoveryEntry reports whether an entry for the same provider,
	// ignoring timestamps, is stored.
	HasDiscoveryEntry(entry T) bool
	// TouchDiscoveryEntries refreshes every entry and returns the ids of the
	// GLOBAL-scope ones.
	TouchDiscoveryEntries(lastSeenDateMs, expiryDateMs int64) []string
	// TouchParticipants refreshes the given entries only.
	TouchParticipants(participantIDs []string, lastSeenDateMs, expiryDateMs int64)
	AllDiscoveryEntries() []T
	AllGlobalEntries() []T
	// RemoveExpired drops and returns entries whose expiry is before nowMs.
	RemoveExpired(nowMs int64) []T
}

// GlobalDirectoryClient talks to the shared global capabilities directory.
// Every call is asynchronous and completes through its callback exactly once.
type GlobalDirectoryClient interface {
	Add(cb Callback[struct{}], entry GlobalDiscoveryEntry, ttl time.Duration, gbids []string)
	Remove(cb Callback[struct{}], participantID string, gbids []string)
	Lookup(cb Callback[GlobalDiscoveryEntry], participantID string, timeout time.Duration, gbids []string)
	LookupDomains(cb Callback[[]GlobalDiscoveryEntry], domains []string, interfaceName string, timeout time.Duration, gbids []string)
	Touch(cb Callback[struct{}], participantIDs []string, gbid string)
	// RemoveStale removes entries registered by this cluster controller in
	// gbid that were last seen before maxLastSeenDateMs.
	RemoveStale(cb Callback[struct{}], maxLastSeenDateMs int64, gbid string)
}

// RoutingTable maps participant ids to addresses.
type RoutingTable interface {
	Put(participantID string, address Address, isGloballyVisible bool, expiryDateMs int64)
	IncrementReferenceCount(participantID string) error
}

// TransportReadyListener is told when the global transport address becomes
// available.
type TransportReadyListener interface {
	TransportReady(address Address)
}

// GlobalAddressProvider resolves this node's own global transport address.
type GlobalAddressProvider interface {
	// Get returns false while the transport is not ready.
	Get() (Address, bool)
	RegisterGlobalAddressesReadyListener(listener TransportReadyListener)
}
