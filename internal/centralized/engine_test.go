package centralized

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/melihxz/flock/internal/backend"
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

func (r *recorder) fn(ctx any, kind backend.UpdateKind, address string, providerID uint16) {
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

// "a:1" always sorts first among the addresses used below, so it is always
// elected primary by the lexicographic convention in newEngine.
func newTestEngine(t *testing.T, net *transport.LocalNetwork, addr string, initial *view.View, join bool, rec *recorder) *Engine {
	t.Helper()
	tr := net.NewTransport(addr)
	e, err := newEngine(backend.InitArgs{
		SelfProviderID:       1,
		SelfAddress:          addr,
		InitialView:          initial,
		Join:                 join,
		MembershipUpdateFunc: rec.fn,
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

func TestFirstMemberLexicographicallyBecomesPrimary(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA, recB := &recorder{}, &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}

	a := newTestEngine(t, net, "a:1", viewWith(keyA, keyB), false, recA)
	b := newTestEngine(t, net, "b:1", viewWith(keyA, keyB), false, recB)

	assert.True(t, a.isPrimary)
	assert.False(t, b.isPrimary)
}

func TestSecondaryJoinIsBroadcastToExistingSecondaries(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA, recB, recC := &recorder{}, &recorder{}, &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}

	newTestEngine(t, net, "a:1", viewWith(keyA, keyB), false, recA)
	newTestEngine(t, net, "b:1", viewWith(keyA, keyB), false, recB)

	newTestEngine(t, net, "c:1", viewWith(keyA, view.Key{Address: "c:1", ProviderID: 1}), true, recC)

	assert.True(t, recB.has("JOINED:c:1"))
}

func TestPingDigestMismatchTriggersPull(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA, recB := &recorder{}, &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}

	a := newTestEngine(t, net, "a:1", viewWith(keyA, keyB), false, recA)
	b := newTestEngine(t, net, "b:1", viewWith(keyA, keyB), false, recB)

	a.GetView().AddMember(view.Key{Address: "d:1", ProviderID: 1}, nil, nil)

	a.pingOne(keyB)

	assert.Equal(t, a.GetView().Digest(), b.GetView().Digest())
}

func TestSecondaryLeaveRemovesFromPrimaryAndBroadcasts(t *testing.T) {
	net := transport.NewLocalNetwork()
	recA, recB, recC := &recorder{}, &recorder{}, &recorder{}

	keyA := view.Key{Address: "a:1", ProviderID: 1}
	keyB := view.Key{Address: "b:1", ProviderID: 1}
	keyC := view.Key{Address: "c:1", ProviderID: 1}

	a := newTestEngine(t, net, "a:1", viewWith(keyA, keyB, keyC), false, recA)
	newTestEngine(t, net, "b:1", viewWith(keyA, keyB, keyC), false, recB)
	c := newTestEngine(t, net, "c:1", viewWith(keyA, keyB, keyC), false, recC)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.sendLeave(ctx))

	assert.Nil(t, a.GetView().FindMember(keyC))
	assert.True(t, recB.has("LEFT:c:1"))
}
