package loadbalance

import "unicode/utf16"

const (
	fnvOffset32 = -2128831035 // 2166136261 as int32
	fnvPrime32  = 16777619
)

// Hash is the routing hash shared by SourceHash and ConsistentHash: FNV-1a over the
// UTF-16 code units of s in signed 32-bit arithmetic, followed by an avalanche mix.
// Negative results are negated; math.MinInt32 stays as it is.
func Hash(s string) int32 {
	h := int32(fnvOffset32)
	for _, unit := range utf16.Encode([]rune(s)) {
		h = (h ^ int32(unit)) * fnvPrime32
	}
	h += h << 13
	h ^= h >> 7
	h += h << 3
	h ^= h >> 17
	h += h << 5
	if h < 0 {
		h = -h
	}
	return h
}
