package tsoutil

// PhysicalShiftBits is the number of low bits reserved for the logical
// counter in a composed timestamp.
const PhysicalShiftBits = 18

// ComposeTS builds a timestamp from a physical time in milliseconds and a
// logical counter.
func ComposeTS(physical, logical int64) uint64 {
	return uint64((physical << PhysicalShiftBits) + logical)
}

// ExtractPhysical returns the physical part of ts in milliseconds.
func ExtractPhysical(ts uint64) uint64 {
	return ts >> PhysicalShiftBits
}

// PhysicalUntilExpiry returns the physical time at which a lock started at
// startTS with the given TTL (milliseconds) expires.
func PhysicalUntilExpiry(startTS, ttl uint64) uint64 {
	return ExtractPhysical(startTS) + ttl
}

// IsExpired reports whether a lock started at startTS with the given TTL has
// expired at currentTS.
func IsExpired(startTS, ttl, currentTS uint64) bool {
	return PhysicalUntilExpiry(startTS, ttl) <= ExtractPhysical(currentTS)
}
