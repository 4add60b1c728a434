// Package gossip implements the bounded multiset of pending membership
// events a SWIM (or centralized) engine piggybacks on outgoing RPCs.
package gossip

import (
	"math"
	"sync"
)

// EntryType identifies the kind of membership claim a gossip entry carries.
type EntryType uint8

const (
	Alive EntryType = iota
	Suspect
	Confirm
	Join
	Leave
)

func (t EntryType) String() string {
	switch t {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Confirm:
		return "CONFIRM"
	case Join:
		return "JOIN"
	case Leave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// priority ranks entry types for merge resolution at equal incarnation:
// CONFIRM beats SUSPECT beats ALIVE. JOIN and LEAVE sit at the top priority
// alongside each other; a member cannot legally be the subject of both, so
// they are never compared against one another in practice.
func (t EntryType) priority() int {
	switch t {
	case Alive:
		return 0
	case Suspect:
		return 1
	case Confirm:
		return 2
	case Join, Leave:
		return 3
	default:
		return -1
	}
}

// Entry is a single membership event eligible for piggyback dissemination.
type Entry struct {
	Type        EntryType
	Address     string
	ProviderID  uint16
	Incarnation uint64
}

type key struct {
	Address    string
	ProviderID uint16
}

func (e Entry) key() key { return key{Address: e.Address, ProviderID: e.ProviderID} }

type bufferedEntry struct {
	entry       Entry
	gossipCount int
}

// Buffer is the gossip buffer: a bounded multiset of pending events, each
// tagged with how many times it has already been piggybacked and the
// threshold at which it becomes eligible for cleanup.
type Buffer struct {
	mu        sync.Mutex
	order     []key // insertion order, newest first; a merge does not move an entry
	entries   map[key]*bufferedEntry
	maxGossip int
}

// New returns an empty gossip buffer. The initial max_gossip corresponds to
// a group of size 1 (or 2, since the formula special-cases n<=1 to 2).
func New() *Buffer {
	b := &Buffer{entries: make(map[key]*bufferedEntry)}
	b.maxGossip = computeMaxGossip(2)
	return b
}

// computeMaxGossip implements 3*ceil(log2(max(n,2))), matching the original
// source's swim_compute_max_gossip.
func computeMaxGossip(n int) int {
	if n < 2 {
		n = 2
	}
	log2n := math.Ceil(math.Log2(float64(n)))
	if log2n < 1 {
		log2n = 1
	}
	return int(3 * log2n)
}

// Add inserts e, merging with any existing entry for the same (address,
// provider_id). The surviving entry has the higher incarnation; at equal
// incarnation, the higher-priority type wins. A merge that upgrades the
// stored entry resets gossip_count to zero so the newer claim is
// re-disseminated; an add that is identical in (type, incarnation) to the
// stored entry leaves gossip_count untouched.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := e.key()
	existing, found := b.entries[k]
	if !found {
		b.entries[k] = &bufferedEntry{entry: e, gossipCount: 0}
		b.order = append([]key{k}, b.order...)
		return
	}

	if e.Incarnation > existing.entry.Incarnation ||
		(e.Incarnation == existing.entry.Incarnation && e.Type.priority() > existing.entry.Type.priority()) {
		existing.entry = e
		existing.gossipCount = 0
	}
	// Identical or strictly weaker claim: leave gossip_count untouched.
}

// Gather walks the buffer and returns up to limit entries whose
// gossip_count is still below max_gossip, incrementing each returned
// entry's gossip_count. The order is a hint (newest-inserted first), not a
// contract.
func (b *Buffer) Gather(limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, k := range b.order {
		if len(out) >= limit {
			break
		}
		be, ok := b.entries[k]
		if !ok || be.gossipCount >= b.maxGossip {
			continue
		}
		be.gossipCount++
		out = append(out, be.entry)
	}
	return out
}

// SetGroupSize updates max_gossip for every current and future entry to
// 3*ceil(log2(max(n,2))).
func (b *Buffer) SetGroupSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxGossip = computeMaxGossip(n)
}

// Cleanup removes every entry whose gossip_count has reached max_gossip.
func (b *Buffer) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.order[:0:0]
	for _, k := range b.order {
		be, ok := b.entries[k]
		if !ok {
			continue
		}
		if be.gossipCount >= b.maxGossip {
			delete(b.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	b.order = kept
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
