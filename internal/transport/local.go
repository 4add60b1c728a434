package transport

import (
	"context"
	"fmt"
	"sync"
)

// LocalNetwork is an in-process registry of LocalTransport instances keyed
// by address, letting tests exercise the full Transport contract (timeouts,
// provider-keyed dispatch, cbor round-tripping) without opening real
// sockets. Production code never constructs one; see quic.go for the real
// transport.
type LocalNetwork struct {
	mu    sync.Mutex
	peers map[string]*LocalTransport
}

// NewLocalNetwork returns an empty in-process network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{peers: make(map[string]*LocalTransport)}
}

// LocalTransport is a Transport backed by a LocalNetwork instead of QUIC.
type LocalTransport struct {
	net      *LocalNetwork
	addr     string
	handlers *handlerTable

	mu        sync.Mutex
	partition bool // when true, Call from/to this transport always fails
}

// NewTransport registers a new peer at addr on the network.
func (n *LocalNetwork) NewTransport(addr string) *LocalTransport {
	t := &LocalTransport{net: n, addr: addr, handlers: newHandlerTable()}
	n.mu.Lock()
	n.peers[addr] = t
	n.mu.Unlock()
	return t
}

// Remove unregisters addr, simulating a crashed process: calls to it will
// fail as if the peer is unreachable.
func (n *LocalNetwork) Remove(addr string) {
	n.mu.Lock()
	delete(n.peers, addr)
	n.mu.Unlock()
}

func (n *LocalNetwork) lookup(addr string) (*LocalTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.peers[addr]
	return t, ok
}

func (t *LocalTransport) LocalAddress() string { return t.addr }

func (t *LocalTransport) Register(providerID uint16, msgType MessageType, h Handler) {
	t.handlers.register(providerID, msgType, h)
}

func (t *LocalTransport) Deregister(providerID uint16, msgType MessageType) {
	t.handlers.deregister(providerID, msgType)
}

// SetPartitioned simulates a network partition: while true, every inbound
// and outbound Call through this transport fails immediately.
func (t *LocalTransport) SetPartitioned(partitioned bool) {
	t.mu.Lock()
	t.partition = partitioned
	t.mu.Unlock()
}

func (t *LocalTransport) isPartitioned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partition
}

func (t *LocalTransport) Call(ctx context.Context, address string, providerID uint16, msgType MessageType, req, resp any) error {
	if t.isPartitioned() {
		return fmt.Errorf("transport: %s is partitioned", t.addr)
	}

	peer, ok := t.net.lookup(address)
	if !ok {
		return fmt.Errorf("transport: no such peer %s", address)
	}
	if peer.isPartitioned() {
		return fmt.Errorf("transport: %s is partitioned", address)
	}

	reqEnvelope, correlationID, err := encodeEnvelope(providerID, msgType, req)
	if err != nil {
		return err
	}

	replyCh := make(chan []byte, 1)
	go func() {
		replyCh <- peer.handlers.dispatch(ctx, t.addr, reqEnvelope)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case raw := <-replyCh:
		e, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		if e.CorrelationID != correlationID {
			return fmt.Errorf("transport: reply from %s does not match request %s (got %s)", address, correlationID, e.CorrelationID)
		}
		if resp != nil && len(e.Body) > 0 {
			return decodeEnvelopeBody(e.Body, resp)
		}
		return nil
	}
}

func (t *LocalTransport) Close() error {
	t.net.Remove(t.addr)
	return nil
}
