package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransportCallDispatchesToHandler(t *testing.T) {
	net := NewLocalNetwork()
	a := net.NewTransport("a:1")
	b := net.NewTransport("b:1")

	type req struct{ X int }
	type resp struct{ Y int }

	b.Register(1, MsgPing, func(ctx context.Context, from string, body []byte) ([]byte, error) {
		var r req
		require.NoError(t, DecodeBody(body, &r))
		assert.Equal(t, "a:1", from)
		return EncodeBody(resp{Y: r.X * 2})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out resp
	require.NoError(t, a.Call(ctx, "b:1", 1, MsgPing, req{X: 21}, &out))
	assert.Equal(t, 42, out.Y)
}

func TestLocalTransportNoSuchPeer(t *testing.T) {
	net := NewLocalNetwork()
	a := net.NewTransport("a:1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Call(ctx, "ghost:1", 1, MsgPing, struct{}{}, nil)
	assert.Error(t, err)
}

func TestLocalTransportPartitionBlocksCalls(t *testing.T) {
	net := NewLocalNetwork()
	a := net.NewTransport("a:1")
	b := net.NewTransport("b:1")
	b.Register(1, MsgPing, func(ctx context.Context, from string, body []byte) ([]byte, error) {
		return EncodeBody(struct{}{})
	})

	b.SetPartitioned(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Call(ctx, "b:1", 1, MsgPing, struct{}{}, nil)
	assert.Error(t, err)
}

func TestLocalTransportRemoveSimulatesCrash(t *testing.T) {
	net := NewLocalNetwork()
	a := net.NewTransport("a:1")
	b := net.NewTransport("b:1")
	b.Register(1, MsgPing, func(ctx context.Context, from string, body []byte) ([]byte, error) {
		return EncodeBody(struct{}{})
	})

	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Call(ctx, "b:1", 1, MsgPing, struct{}{}, nil)
	assert.Error(t, err)
}
