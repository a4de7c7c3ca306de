// Package bloom implements the negative-cache hint: a fixed-size bit
// array in the KV backend, sized from expected_items and a target
// false-positive rate, probed by double-hashing a content digest.
package bloom

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

// Probe is the tagged result of a membership check: the filter has no
// false negatives, so it answers "maybe" or "definitely not".
type Probe int

const (
	DefinitelyNot Probe = iota
	Maybe
)

const bitmapKey = "bloom:404"

// Filter is a distributed bloom filter backed by the KV store's bit ops.
type Filter struct {
	store kvstore.Store
	m     uint64 // number of bits
	k     int    // number of hash functions
}

// New sizes the filter per the standard formulas
// m = -n*ln(p) / (ln2)^2, k = (m/n)*ln2.
func New(store kvstore.Store, expectedItems int, falsePositiveRate float64) *Filter {
	n := float64(expectedItems)
	if n <= 0 {
		n = 10000
	}
	p := falsePositiveRate
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := math.Ceil(-(n * math.Log(p)) / (math.Ln2 * math.Ln2))
	k := int(math.Ceil((m / n) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{store: store, m: uint64(m), k: k}
}

// positions derives k bit positions for item via double hashing of its
// SHA-256 digest: h(i) = (h1 + i*h2) mod m.
func (f *Filter) positions(item string) []uint32 {
	sum := sha256.Sum256([]byte(item))
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1
	}

	out := make([]uint32, f.k)
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		out[i] = uint32(pos)
	}
	return out
}

// Add marks item as seen. Append-only: operators reset the filter
// administratively.
func (f *Filter) Add(ctx context.Context, item string) error {
	return f.store.BitsSet(ctx, bitmapKey, f.positions(item))
}

// Check reports Maybe (all bits set) or DefinitelyNot. A previously
// added item never reports DefinitelyNot.
func (f *Filter) Check(ctx context.Context, item string) (Probe, error) {
	allSet, err := f.store.BitsGet(ctx, bitmapKey, f.positions(item))
	if err != nil {
		return DefinitelyNot, err
	}
	if allSet {
		return Maybe, nil
	}
	return DefinitelyNot, nil
}
