package capabilities

// GlobalCapabilitiesDirectoryInterface is the interface name of the global
// directory itself. Provisioned entries for it are reachable in every backend.
const GlobalCapabilitiesDirectoryInterface = "infrastructure/GlobalCapabilitiesDirectory"

// ValidateGbids checks requested GBIDs against the known ones. Empty or
// repeated values are INVALID_GBID; values outside known are UNKNOWN_GBID.
// An empty request is valid and means every known GBID.
func ValidateGbids(gbids, known []string) DiscoveryError {
	seen := make(map[string]struct{}, len(gbids))
	for _, gbid := range gbids {
		if gbid == "" {
			return ErrInvalidGbid
		}
		if _, dup := seen[gbid]; dup {
			return ErrInvalidGbid
		}
		seen[gbid] = struct{}{}
	}
	knownSet := GbidSet(known)
	for _, gbid := range gbids {
		if _, ok := knownSet[gbid]; !ok {
			return ErrUnknownGbid
		}
	}
	return ""
}

// GbidSet builds a lookup set.
func GbidSet(gbids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(gbids))
	for _, gbid := range gbids {
		set[gbid] = struct{}{}
	}
	return set
}

// ContainsAny reports whether any of gbids is in set.
func ContainsAny(set map[string]struct{}, gbids []string) bool {
	for _, gbid := range gbids {
		if _, ok := set[gbid]; ok {
			return true
		}
	}
	return false
}
