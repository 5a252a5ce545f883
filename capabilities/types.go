package capabilities

import (
	"fmt"
	"math"
	"time"
)

// ProviderScope controls whether a provider is visible beyond this node.
type ProviderScope string

const (
	// ScopeLocal providers are only visible within this cluster controller.
	ScopeLocal ProviderScope = "LOCAL"
	// ScopeGlobal providers are registered with the global capabilities directory.
	ScopeGlobal ProviderScope = "GLOBAL"
)

// DiscoveryScope selects the lookup policy.
type DiscoveryScope string

const (
	LocalOnly       DiscoveryScope = "LOCAL_ONLY"
	LocalThenGlobal DiscoveryScope = "LOCAL_THEN_GLOBAL"
	LocalAndGlobal  DiscoveryScope = "LOCAL_AND_GLOBAL"
	GlobalOnly      DiscoveryScope = "GLOBAL_ONLY"
)

// Valid reports whether s is one of the four discovery scopes.
func (s DiscoveryScope) Valid() bool {
	switch s {
	case LocalOnly, LocalThenGlobal, LocalAndGlobal, GlobalOnly:
		return true
	}
	return false
}

// NoExpiry marks an expiry or deadline that never passes.
const NoExpiry int64 = math.MaxInt64

// Version is the interface version a provider implements.
type Version struct {
	Major int32 `json:"majorVersion" msgpack:"major"`
	Minor int32 `json:"minorVersion" msgpack:"minor"`
}

// ProviderQos is the provider's quality of service.
type ProviderQos struct {
	Priority                      int64         `json:"priority" msgpack:"priority"`
	Scope                         ProviderScope `json:"scope" msgpack:"scope"`
	SupportsOnChangeSubscriptions bool          `json:"supportsOnChangeSubscriptions" msgpack:"on_change"`
}

// DiscoveryEntry describes one provider endpoint.
type DiscoveryEntry struct {
	ProviderVersion Version     `json:"providerVersion" msgpack:"version"`
	Domain          string      `json:"domain" msgpack:"domain" validate:"required"`
	InterfaceName   string      `json:"interfaceName" msgpack:"interface" validate:"required"`
	ParticipantID   string      `json:"participantId" msgpack:"participant_id" validate:"required"`
	Qos             ProviderQos `json:"qos" msgpack:"qos"`
	LastSeenDateMs  int64       `json:"lastSeenDateMs" msgpack:"last_seen"`
	ExpiryDateMs    int64       `json:"expiryDateMs" msgpack:"expiry"`
	PublicKeyID     string      `json:"publicKeyId" msgpack:"public_key_id"`
}

// Entry returns the entry itself. It lets generic stores treat local and
// global entries alike.
func (e DiscoveryEntry) Entry() DiscoveryEntry { return e }

// Touched returns a copy with refreshed timestamps.
func (e DiscoveryEntry) Touched(lastSeenDateMs, expiryDateMs int64) DiscoveryEntry {
	e.LastSeenDateMs = lastSeenDateMs
	e.ExpiryDateMs = expiryDateMs
	return e
}

// IsGlobal reports whether the provider is globally scoped.
func (e DiscoveryEntry) IsGlobal() bool { return e.Qos.Scope == ScopeGlobal }

// SameProvider reports whether two entries describe the same registration,
// ignoring the last-seen and expiry timestamps.
func (e DiscoveryEntry) SameProvider(other DiscoveryEntry) bool {
	return e.ParticipantID == other.ParticipantID &&
		e.Domain == other.Domain &&
		e.InterfaceName == other.InterfaceName &&
		e.ProviderVersion == other.ProviderVersion &&
		e.Qos == other.Qos &&
		e.PublicKeyID == other.PublicKeyID
}

func (e DiscoveryEntry) String() string {
	return fmt.Sprintf("%s[%s/%s v%d.%d %s]", e.ParticipantID, e.Domain, e.InterfaceName,
		e.ProviderVersion.Major, e.ProviderVersion.Minor, e.Qos.Scope)
}

// GlobalDiscoveryEntry is a DiscoveryEntry together with the serialized
// address through which the provider is reachable.
type GlobalDiscoveryEntry struct {
	DiscoveryEntry
	Address string `json:"address" msgpack:"address"`
}

// Touched returns a copy with refreshed timestamps.
func (e GlobalDiscoveryEntry) Touched(lastSeenDateMs, expiryDateMs int64) GlobalDiscoveryEntry {
	e.DiscoveryEntry = e.DiscoveryEntry.Touched(lastSeenDateMs, expiryDateMs)
	return e
}

// DecodedAddress parses the serialized address.
func (e GlobalDiscoveryEntry) DecodedAddress() (Address, error) {
	return DecodeAddress(e.Address)
}

// NewGlobalDiscoveryEntry attaches address to entry.
func NewGlobalDiscoveryEntry(entry DiscoveryEntry, address Address) (GlobalDiscoveryEntry, error) {
	serialized, err := EncodeAddress(address)
	if err != nil {
		return GlobalDiscoveryEntry{}, err
	}
	return GlobalDiscoveryEntry{DiscoveryEntry: entry, Address: serialized}, nil
}

// DiscoveryEntryWithMetaInfo is a lookup result.
type DiscoveryEntryWithMetaInfo struct {
	DiscoveryEntry
	IsLocal bool `json:"isLocal"`
}

// WithMetaInfo wraps entry for a lookup result.
func WithMetaInfo(isLocal bool, entry DiscoveryEntry) DiscoveryEntryWithMetaInfo {
	return DiscoveryEntryWithMetaInfo{DiscoveryEntry: entry, IsLocal: isLocal}
}

// DiscoveryQos parameterises a lookup.
type DiscoveryQos struct {
	// CacheMaxAge bounds the age of global cache entries a lookup accepts.
	CacheMaxAge time.Duration `json:"cacheMaxAge"`
	// DiscoveryTimeout bounds the remote lookup.
	DiscoveryTimeout time.Duration  `json:"discoveryTimeout"`
	DiscoveryScope   DiscoveryScope `json:"discoveryScope"`
}

const (
	// DefaultCacheMaxAge accepts cached entries of any age.
	DefaultCacheMaxAge = NoMaxAge
	// DefaultDiscoveryTimeout bounds remote lookups.
	DefaultDiscoveryTimeout = 10 * time.Minute
)

// DefaultDiscoveryQos is used by lookups that do not specify one.
func DefaultDiscoveryQos() DiscoveryQos {
	return DiscoveryQos{
		CacheMaxAge:      DefaultCacheMaxAge,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		DiscoveryScope:   LocalThenGlobal,
	}
}

// DefaultParticipantDiscoveryQos is used by participant lookups that do not
// specify one. It differs from DefaultDiscoveryQos only in the scope.
func DefaultParticipantDiscoveryQos() DiscoveryQos {
	qos := DefaultDiscoveryQos()
	qos.DiscoveryScope = LocalAndGlobal
	return qos
}
