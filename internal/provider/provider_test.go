package provider

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/log"
	"github.com/melihxz/flock/internal/swim"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetViewRPCReturnsCurrentView(t *testing.T) {
	net := transport.NewLocalNetwork()
	logger := log.New(slog.LevelError)

	selfKey := view.Key{Address: "a:1", ProviderID: 1}
	tr := net.NewTransport("a:1")

	p, err := New(swim.NewFactory(tr, logger), backend.InitArgs{}, selfKey, tr, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })

	clientTr := net.NewTransport("client:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out getViewOut
	require.NoError(t, clientTr.Call(ctx, "a:1", 1, transport.MsgGetView, struct{}{}, &out))

	v := view.New()
	require.NoError(t, v.UnmarshalJSON(out.View))
	assert.NotNil(t, v.FindMember(selfKey))
	assert.Equal(t, v.Digest(), out.Digest)
}

func TestObserverDispatchReceivesMembershipUpdates(t *testing.T) {
	net := transport.NewLocalNetwork()
	logger := log.New(slog.LevelError)

	selfKey := view.Key{Address: "a:1", ProviderID: 1}
	tr := net.NewTransport("a:1")

	p, err := New(swim.NewFactory(tr, logger), backend.InitArgs{}, selfKey, tr, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })

	var mu sync.Mutex
	var seen []string
	token := p.AddObserver(func(kind backend.UpdateKind, address string, providerID uint16) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, kind.String()+":"+address)
	})
	defer p.RemoveObserver(token)

	p.dispatchMembership(nil, backend.Joined, "b:1", 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "JOINED:b:1")
}

func TestMetadataObserverDispatchReceivesMetadataUpdates(t *testing.T) {
	net := transport.NewLocalNetwork()
	logger := log.New(slog.LevelError)

	selfKey := view.Key{Address: "a:1", ProviderID: 1}
	tr := net.NewTransport("a:1")

	p, err := New(swim.NewFactory(tr, logger), backend.InitArgs{}, selfKey, tr, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })

	var mu sync.Mutex
	var seen []string
	token := p.AddMetadataObserver(func(key, value string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, key+"="+value)
	})
	defer p.RemoveMetadataObserver(token)

	p.dispatchMetadata(nil, "region", "us-east")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "region=us-east")
}
