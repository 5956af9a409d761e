package index

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// PreFilter is a Bloom filter over indexed tokens. It answers "could this
// token possibly be indexed" in O(1): false positives are allowed, false
// negatives for inserted tokens are not. Queries use it to short-circuit
// capability filters that provably match nothing.
type PreFilter struct {
	bits   *bitset.BitSet
	m      uint64 // bit array size
	k      uint64 // hash count
	count  uint64 // inserted tokens, for stats only
	target float64
}

// NewPreFilter sizes the filter for the expected number of distinct tokens
// at the given false-positive rate using the standard Bloom formulas
// m = -n*ln(p)/ln(2)^2 and k = (m/n)*ln(2).
func NewPreFilter(expectedTokens int, falsePositiveRate float64) *PreFilter {
	if expectedTokens < 1 {
		expectedTokens = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedTokens)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	k := math.Max(1, math.Round(m/n*math.Ln2))

	return &PreFilter{
		bits:   bitset.New(uint(m)),
		m:      uint64(m),
		k:      uint64(k),
		target: falsePositiveRate,
	}
}

// hashPair derives two independent 64-bit hashes of the token. All k probe
// positions come from these two via the Kirsch-Mitzenmacher construction
// h_i = h1 + i*h2, which preserves the false-positive bound of k
// independent hash functions.
func hashPair(token string) (uint64, uint64) {
	h1 := xxhash.Sum64String(token)
	h2 := xxhash.Sum64String("\x00" + token)
	if h2%2 == 0 {
		// h2 must be odd so the probe sequence cycles through the array.
		h2++
	}
	return h1, h2
}

// Add inserts a token.
func (f *PreFilter) Add(token string) {
	h1, h2 := hashPair(token)
	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
	f.count++
}

// MightContain reports whether token could have been inserted. A false
// result is definitive: the token was never added.
func (f *PreFilter) MightContain(token string) bool {
	h1, h2 := hashPair(token)
	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}
	return true
}

// Count returns how many tokens have been inserted since the last reset.
// Removals do not decrement it; the filter only grows within a build cycle.
func (f *PreFilter) Count() uint64 {
	return f.count
}

// Reset clears the filter. Used by full index rebuilds, which re-insert the
// surviving tokens afterwards.
func (f *PreFilter) Reset() {
	f.bits.ClearAll()
	f.count = 0
}

// SizeBytes estimates the filter's memory footprint.
func (f *PreFilter) SizeBytes() int64 {
	return int64(f.m / 8)
}
