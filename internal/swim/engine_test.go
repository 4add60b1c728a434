package swim

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/gossip"
	"github.com/melihxz/flock/internal/log"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger { return log.New(slog.LevelError) }

type recorder struct {
	mu      sync.Mutex
	updates []string
}

func (r *recorder) membershipFn(ctx any, kind backend.UpdateKind, address string, providerID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, kind.String()+":"+address)
}

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u == s {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, net *transport.LocalNetwork, addr string, providerID uint16, initial *view.View, join bool, rec *recorder) *Engine {
	t.Helper()
	tr := net.NewTransport(addr)
	e, err := newEngine(backend.InitArgs{
		SelfProviderID:       providerID,
		SelfAddress:          addr,
		InitialView:          initial,
		Join:                 join,
		MembershipUpdateFunc: rec.membershipFn,
	}, tr, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })
	return e
}

func viewWith(keys ...view.Key) *view.View {
	v := view.New()
	for _, k := range keys {
		v.AddMember(k, nil, nil)
	}
	return v
}

func TestNewEngineInsertsSelfWhenAbsent(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	e := newTestEngine(t, net, "a:1", 1, nil, false, rec)

	assert.NotNil(t, e.view.FindMember(view.Key{Address: "a:1", ProviderID: 1}))
}

func TestAddMetadataAndRemoveMetadataAreUnsupported(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	e := newTestEngine(t, net, "a:1", 1, nil, false, rec)

	assert.ErrorIs(t, e.AddMetadata("region", "us-east"), backend.ErrUnsupported)
	assert.ErrorIs(t, e.RemoveMetadata("region"), backend.ErrUnsupported)
}

func TestDirectPingSuccessAppliesGossipAndRecoversSuspicion(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA := &recorder{}
	recB := &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}

	a := newTestEngine(t, net, "a:1", 1, viewWith(keyA, keyB), false, recA)
	b := newTestEngine(t, net, "b:1", 1, viewWith(keyA, keyB), false, recB)

	// a believes b is suspected at b's current incarnation.
	a.view.Lock()
	m := a.view.FindMemberLocked(keyB)
	ms := m.Extra.(*MemberState)
	ms.Status = StatusSuspected
	ms.SuspicionStart = time.Now()
	a.view.Unlock()
	// ...and gossips that suspicion, as markSuspected does, so the ping
	// carries it to b, which refutes with a higher incarnation.
	a.gossip.Add(gossip.Entry{Type: gossip.Suspect, Address: "b:1", ProviderID: 1, Incarnation: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.probeCycle(ctx, keyB)

	a.view.Lock()
	m = a.view.FindMemberLocked(keyB)
	ms = m.Extra.(*MemberState)
	status := ms.Status
	a.view.Unlock()

	assert.Equal(t, StatusAlive, status)
}

func TestProbeCycleMarksSuspectedWhenTargetUnreachable(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyGhost := view.Key{Address: "ghost:1", ProviderID: 1}

	a := newTestEngine(t, net, "a:1", 1, viewWith(keyA, keyGhost), false, rec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.probeCycle(ctx, keyGhost)

	a.view.Lock()
	m := a.view.FindMemberLocked(keyGhost)
	ms := m.Extra.(*MemberState)
	status := ms.Status
	a.view.Unlock()

	assert.Equal(t, StatusSuspected, status)
}

func TestApplyGossipJoinInsertsMemberAndFiresCallback(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	a := newTestEngine(t, net, "a:1", 1, nil, false, rec)

	a.applyGossip([]gossip.Entry{{Type: gossip.Join, Address: "c:1", ProviderID: 1, Incarnation: 1}})

	assert.NotNil(t, a.view.FindMember(view.Key{Address: "c:1", ProviderID: 1}))
	assert.True(t, rec.has("JOINED:c:1"))
}

func TestApplyGossipConfirmRemovesMemberAndFiresCallback(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}
	a := newTestEngine(t, net, "a:1", 1, viewWith(keyA, keyB), false, rec)

	a.applyGossip([]gossip.Entry{{Type: gossip.Confirm, Address: "b:1", ProviderID: 1, Incarnation: 1}})

	assert.Nil(t, a.view.FindMember(keyB))
	assert.True(t, rec.has("DIED:b:1"))
}

func TestApplyGossipSelfSuspectTriggersRefutation(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	a := newTestEngine(t, net, "a:1", 1, nil, false, rec)

	before := a.selfIncarnation()
	a.applyGossip([]gossip.Entry{{Type: gossip.Suspect, Address: "a:1", ProviderID: 1, Incarnation: before}})

	assert.Greater(t, a.selfIncarnation(), before)
}

func TestSuspicionSweepMarksDeadAfterTimeout(t *testing.T) {
	net := transport.NewLocalNetwork()
	rec := &recorder{}
	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}
	a := newTestEngine(t, net, "a:1", 1, viewWith(keyA, keyB), false, rec)
	a.config.SuspicionTimeoutMs = 1

	a.view.Lock()
	m := a.view.FindMemberLocked(keyB)
	ms := m.Extra.(*MemberState)
	ms.Status = StatusSuspected
	ms.SuspicionStart = time.Now().Add(-time.Hour)
	a.view.Unlock()

	a.suspicionSweep()

	assert.Nil(t, a.view.FindMember(keyB))
	assert.True(t, rec.has("DIED:b:1"))
}

func TestGossipBufferGathersJoinAnnouncement(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA := &recorder{}
	recB := &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}

	b := newTestEngine(t, net, "b:1", 1, viewWith(keyB), false, recB)
	a := newTestEngine(t, net, "a:1", 1, viewWith(keyA, keyB), true, recA)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.sendAnnounce(ctx, gossip.Join, []view.Key{keyB})

	assert.True(t, recB.has("JOINED:a:1"))
	assert.Contains(t, b.gossip.Gather(MaxGossipEntries), gossip.Entry{Type: gossip.Join, Address: "a:1", ProviderID: 1, Incarnation: 1})
}
