package feed

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/tradepulse/tradepulse/internal/market"
)

// tickHash folds the dedup identity (symbol, ts, last_price, bid, ask)
// into one 64-bit key.
func tickHash(t market.Tick) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Symbol))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.Timestamp.UnixNano()))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.LastPrice))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.Bid))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.Ask))
	_, _ = h.Write(buf[:])

	return h.Sum64()
}

// dedupRing remembers the most recent tick hashes for one symbol.
// When full, recording a new hash evicts the oldest.
type dedupRing struct {
	seen  map[uint64]struct{}
	order []uint64
	next  int
}

func newDedupRing(capacity int) *dedupRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &dedupRing{
		seen:  make(map[uint64]struct{}, capacity),
		order: make([]uint64, 0, capacity),
	}
}

// Seen reports whether the hash was already recorded, recording it
// otherwise. Not safe for concurrent use; the feed owns one ring per
// symbol on a single goroutine.
func (r *dedupRing) Seen(h uint64) bool {
	if _, ok := r.seen[h]; ok {
		return true
	}

	if len(r.order) < cap(r.order) {
		r.order = append(r.order, h)
	} else {
		delete(r.seen, r.order[r.next])
		r.order[r.next] = h
		r.next = (r.next + 1) % len(r.order)
	}
	r.seen[h] = struct{}{}

	return false
}

// Len returns the number of hashes currently retained.
func (r *dedupRing) Len() int {
	return len(r.order)
}
