// Package view implements the group view: the sorted set of members and
// metadata a provider exposes to its observers and clients.
package view

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrNoSuchMember is the error for an absent member. No View operation
// returns it; they report absence through their bool or nil results.
var ErrNoSuchMember = errors.New("view: no such member")

// ErrNoSuchMetadata is the error for an absent metadata key. No View
// operation returns it; they report absence through their bool results.
var ErrNoSuchMetadata = errors.New("view: no such metadata key")

// Key identifies a member by its transport address and provider ID. There
// is no numeric rank in the core view; any positional index a backend needs
// is derived on demand from the sorted member slice.
type Key struct {
	Address    string
	ProviderID uint16
}

// Less reports whether k sorts before other, lexicographically on
// (Address, ProviderID).
func (k Key) Less(other Key) bool {
	if k.Address != other.Address {
		return k.Address < other.Address
	}
	return k.ProviderID < other.ProviderID
}

// Member is one participant of the group. Extra is backend-owned state
// (e.g. *swim.MemberState); Release, if non-nil, runs exactly once when the
// member leaves the view: RemoveMember runs it before the entry disappears,
// Clear runs it after the view has been emptied.
type Member struct {
	Key
	Extra   any
	Release func()
}

type metadataEntry struct {
	Key   string
	Value string
}

// View is the sorted-array group view described by the data model: members
// sorted by (address, provider_id), metadata sorted by key, a single mutex
// guarding both, and a 64-bit digest that changes on every mutation.
type View struct {
	mu       sync.Mutex
	members  []Member
	metadata []metadataEntry
	digest   uint64
}

// New returns an empty view.
func New() *View {
	return &View{}
}

// Lock and Unlock expose the view's mutex directly for call sites (e.g. the
// SWIM protocol tick) that must hold the lock across several view
// operations without releasing it in between, as required by the lock
// ordering view < gossip < observer-list.
func (v *View) Lock()   { v.mu.Lock() }
func (v *View) Unlock() { v.mu.Unlock() }

// recomputeDigestLocked recomputes the digest from the current sorted
// contents. Must be called with the lock held, after every mutation.
func (v *View) recomputeDigestLocked() {
	h := xxhash.New()
	for _, m := range v.members {
		_, _ = h.WriteString(m.Address)
		_, _ = h.Write([]byte{byte(m.ProviderID >> 8), byte(m.ProviderID)})
	}
	for _, e := range v.metadata {
		_, _ = h.WriteString(e.Key)
		_, _ = h.WriteString(e.Value)
	}
	v.digest = h.Sum64()
}

// Digest returns the current 64-bit change token. The value is only
// meaningful as of the moment the lock was held to read it; each call takes
// the lock on its own, so a digest read separately from other reads of the
// view may not match them.
func (v *View) Digest() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.digest
}

func (v *View) memberIndexLocked(k Key) (int, bool) {
	i := sort.Search(len(v.members), func(i int) bool {
		return !v.members[i].Key.Less(k)
	})
	if i < len(v.members) && v.members[i].Key == k {
		return i, true
	}
	return i, false
}

// AddMemberLocked inserts a member with the given key, extra state and
// release hook. If the key already exists, the existing entry is returned
// unchanged (add_member is idempotent, per the duplicate-insert law) and
// inserted is false. Must be called with the lock held.
func (v *View) AddMemberLocked(k Key, extra any, release func()) (member *Member, inserted bool) {
	i, found := v.memberIndexLocked(k)
	if found {
		return &v.members[i], false
	}
	v.members = append(v.members, Member{})
	copy(v.members[i+1:], v.members[i:])
	v.members[i] = Member{Key: k, Extra: extra, Release: release}
	v.recomputeDigestLocked()
	return &v.members[i], true
}

// AddMember is the locking wrapper around AddMemberLocked.
func (v *View) AddMember(k Key, extra any, release func()) (inserted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, inserted = v.AddMemberLocked(k, extra, release)
	return inserted
}

// RemoveMemberLocked removes the member with key k, running its release
// hook exactly once before the entry disappears. Returns false if no such
// member exists. Must be called with the lock held.
func (v *View) RemoveMemberLocked(k Key) bool {
	i, found := v.memberIndexLocked(k)
	if !found {
		return false
	}
	if release := v.members[i].Release; release != nil {
		release()
	}
	v.members = append(v.members[:i], v.members[i+1:]...)
	v.recomputeDigestLocked()
	return true
}

// RemoveMember is the locking wrapper around RemoveMemberLocked.
func (v *View) RemoveMember(k Key) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.RemoveMemberLocked(k)
}

// FindMemberLocked returns a pointer to the member with key k, or nil.
// The pointer is only valid until the next mutation of the view. Must be
// called with the lock held.
func (v *View) FindMemberLocked(k Key) *Member {
	i, found := v.memberIndexLocked(k)
	if !found {
		return nil
	}
	return &v.members[i]
}

// FindMember is the locking wrapper around FindMemberLocked. The returned
// pointer is only safe to dereference before any further mutation of the
// view; callers that need to inspect or modify Extra should prefer
// FindMemberLocked under an explicit Lock/Unlock pair instead.
func (v *View) FindMember(k Key) *Member {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.FindMemberLocked(k)
}

// MemberAtLocked returns the member at sorted position i, or nil if out of
// range. Must be called with the lock held.
func (v *View) MemberAtLocked(i int) *Member {
	if i < 0 || i >= len(v.members) {
		return nil
	}
	return &v.members[i]
}

// LenLocked returns the number of members. Must be called with the lock held.
func (v *View) LenLocked() int { return len(v.members) }

// Len returns the number of members.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.members)
}

// SetMetadataLocked sets key to value, replacing any prior value. Must be
// called with the lock held.
func (v *View) SetMetadataLocked(key, value string) {
	i := sort.Search(len(v.metadata), func(i int) bool { return v.metadata[i].Key >= key })
	if i < len(v.metadata) && v.metadata[i].Key == key {
		v.metadata[i].Value = value
		v.recomputeDigestLocked()
		return
	}
	v.metadata = append(v.metadata, metadataEntry{})
	copy(v.metadata[i+1:], v.metadata[i:])
	v.metadata[i] = metadataEntry{Key: key, Value: value}
	v.recomputeDigestLocked()
}

// SetMetadata is the locking wrapper around SetMetadataLocked.
func (v *View) SetMetadata(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.SetMetadataLocked(key, value)
}

// RemoveMetadataLocked removes key, returning false if absent. Must be
// called with the lock held.
func (v *View) RemoveMetadataLocked(key string) bool {
	i := sort.Search(len(v.metadata), func(i int) bool { return v.metadata[i].Key >= key })
	if i >= len(v.metadata) || v.metadata[i].Key != key {
		return false
	}
	v.metadata = append(v.metadata[:i], v.metadata[i+1:]...)
	v.recomputeDigestLocked()
	return true
}

// RemoveMetadata is the locking wrapper around RemoveMetadataLocked.
func (v *View) RemoveMetadata(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.RemoveMetadataLocked(key)
}

// FindMetadataLocked returns the value for key and whether it was present.
// Must be called with the lock held.
func (v *View) FindMetadataLocked(key string) (string, bool) {
	i := sort.Search(len(v.metadata), func(i int) bool { return v.metadata[i].Key >= key })
	if i >= len(v.metadata) || v.metadata[i].Key != key {
		return "", false
	}
	return v.metadata[i].Value, true
}

// FindMetadata is the locking wrapper around FindMetadataLocked.
func (v *View) FindMetadata(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.FindMetadataLocked(key)
}

// Clear empties the view, running every member's release hook.
func (v *View) Clear() {
	v.mu.Lock()
	members := v.members
	v.members = nil
	v.metadata = nil
	v.recomputeDigestLocked()
	v.mu.Unlock()

	for _, m := range members {
		if m.Release != nil {
			m.Release()
		}
	}
}

// wireMember and wireView implement the bit-exact JSON wire format from
// the external interfaces: a non-empty "members" array and an optional
// "metadata" object, both in sorted order.
type wireMember struct {
	Address    string `json:"address"`
	ProviderID uint16 `json:"provider_id"`
}

type wireView struct {
	Members  []wireMember      `json:"members"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON serializes the view to the wire format. It does not require
// the caller to hold the lock; it takes its own snapshot.
func (v *View) MarshalJSON() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w := wireView{Members: make([]wireMember, len(v.members))}
	for i, m := range v.members {
		w.Members[i] = wireMember{Address: m.Address, ProviderID: m.ProviderID}
	}
	if len(v.metadata) > 0 {
		w.Metadata = make(map[string]string, len(v.metadata))
		for _, e := range v.metadata {
			w.Metadata[e.Key] = e.Value
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON replaces the view's members and metadata with the decoded
// contents, re-sorting and recomputing the digest. Existing members' release
// hooks are NOT run; callers that need that must Clear() first.
func (v *View) UnmarshalJSON(data []byte) error {
	var w wireView
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Members) == 0 {
		return errors.New("view: wire format requires a non-empty members array")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.members = make([]Member, 0, len(w.Members))
	for _, wm := range w.Members {
		v.members = append(v.members, Member{Key: Key{Address: wm.Address, ProviderID: wm.ProviderID}})
	}
	sort.Slice(v.members, func(i, j int) bool { return v.members[i].Key.Less(v.members[j].Key) })

	v.metadata = v.metadata[:0]
	for k, val := range w.Metadata {
		v.metadata = append(v.metadata, metadataEntry{Key: k, Value: val})
	}
	sort.Slice(v.metadata, func(i, j int) bool { return v.metadata[i].Key < v.metadata[j].Key })

	v.recomputeDigestLocked()
	return nil
}

// Keys returns a snapshot slice of every member key, in sorted order.
func (v *View) Keys() []Key {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]Key, len(v.members))
	for i, m := range v.members {
		keys[i] = m.Key
	}
	return keys
}

// MetadataMap returns a snapshot copy of the metadata as a map.
func (v *View) MetadataMap() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.metadata))
	for _, e := range v.metadata {
		out[e.Key] = e.Value
	}
	return out
}
