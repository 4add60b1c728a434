package client

import (
	"context"
	"testing"
	"time"

	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveView(t *testing.T, net *transport.LocalNetwork, addr string, providerID uint16, v *view.View) {
	t.Helper()
	tr := net.NewTransport(addr)
	tr.Register(providerID, transport.MsgGetView, func(ctx context.Context, from string, body []byte) ([]byte, error) {
		data, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return transport.EncodeBody(getViewOut{View: data, Digest: v.Digest()})
	})
}

func TestJoinFetchesAndCachesView(t *testing.T) {
	net := transport.NewLocalNetwork()
	v := view.New()
	v.AddMember(view.Key{Address: "a:1", ProviderID: 1}, nil, nil)
	serveView(t, net, "a:1", 1, v)

	clientTr := net.NewTransport("client:1")
	c := New(clientTr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := c.Join(ctx, "a:1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, h.View().Len())
	assert.Equal(t, v.Digest(), h.Digest())
}

func TestRefreshIfStaleSkipsReparseWhenDigestUnchanged(t *testing.T) {
	net := transport.NewLocalNetwork()
	v := view.New()
	v.AddMember(view.Key{Address: "a:1", ProviderID: 1}, nil, nil)
	serveView(t, net, "a:1", 1, v)

	clientTr := net.NewTransport("client:1")
	c := New(clientTr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := c.Join(ctx, "a:1", 1)
	require.NoError(t, err)

	before := h.View()
	require.NoError(t, h.RefreshIfStale(ctx))
	assert.Same(t, before, h.View())
}

func TestRefCounting(t *testing.T) {
	net := transport.NewLocalNetwork()
	v := view.New()
	v.AddMember(view.Key{Address: "a:1", ProviderID: 1}, nil, nil)
	serveView(t, net, "a:1", 1, v)

	clientTr := net.NewTransport("client:1")
	c := New(clientTr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := c.Join(ctx, "a:1", 1)
	require.NoError(t, err)

	h.Ref()
	assert.Equal(t, 1, h.Release())
	assert.Equal(t, 0, h.Release())
}
