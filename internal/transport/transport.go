// Package transport provides the provider-targeted RPC substrate the SWIM
// and centralized engines use to exchange ping/ping_req/announce/get_view/
// membership_update messages. It stands in for the ambient RPC runtime
// spec.md assumes (addressable providers, timed request/response,
// cancellation) since Go has no such runtime by default.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MessageType identifies which RPC a message carries.
type MessageType uint16

const (
	MsgPing MessageType = iota + 1
	MsgPingReq
	MsgAnnounce
	MsgGetView
	MsgMembershipUpdate
	MsgLeave
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPingReq:
		return "ping_req"
	case MsgAnnounce:
		return "announce"
	case MsgGetView:
		return "get_view"
	case MsgMembershipUpdate:
		return "membership_update"
	case MsgLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Handler processes one inbound RPC body and returns the encoded response
// body, or an error. Handlers must respond regardless of internal state.
// The transport decodes the envelope; each handler decodes its own body
// with DecodeBody, and a handler error is answered with an empty-body reply
// (see handlerTable.dispatch).
type Handler func(ctx context.Context, from string, body []byte) ([]byte, error)

// Transport is the provider-targeted RPC abstraction every backend engine
// is built against. A concrete implementation lives in quic.go; tests use
// the in-memory implementation in local.go.
type Transport interface {
	// LocalAddress returns this transport's own address string.
	LocalAddress() string
	// Register installs h for (providerID, msgType). A second Register for
	// the same key replaces the handler.
	Register(providerID uint16, msgType MessageType, h Handler)
	// Deregister removes the handler for (providerID, msgType), if any.
	Deregister(providerID uint16, msgType MessageType)
	// Call issues msgType to providerID at address, with req cbor-encoded
	// and resp cbor-decoded from the reply. ctx's deadline bounds the
	// entire round trip; every suspension point (dial, write, read) must
	// respect it.
	Call(ctx context.Context, address string, providerID uint16, msgType MessageType, req, resp any) error
	// Close tears down the transport so it stops accepting inbound calls.
	// It does not fail in-flight Calls with context.Canceled: a QUIC Call
	// ends with the error of its closed connection, and a local Call runs
	// until it completes or its own context ends.
	Close() error
}

// envelope is what actually crosses the wire for every RPC: which provider
// it targets, which RPC it is, the cbor-encoded request/response body, and a
// correlation ID the caller can use to confirm a reply actually answers the
// request it sent rather than some other in-flight call on the same link.
type envelope struct {
	ProviderID    uint16
	Type          MessageType
	Body          []byte
	CorrelationID uuid.UUID
}

// encodeEnvelope cbor-encodes body under a freshly generated correlation ID
// and returns both the wire bytes and that ID, so the caller can check it
// against the reply envelope's CorrelationID.
func encodeEnvelope(providerID uint16, msgType MessageType, body any) ([]byte, uuid.UUID, error) {
	bodyBytes, err := cbor.Marshal(body)
	if err != nil {
		return nil, uuid.UUID{}, fmt.Errorf("transport: encoding %s body: %w", msgType, err)
	}
	id := uuid.New()
	data, err := cbor.Marshal(envelope{ProviderID: providerID, Type: msgType, Body: bodyBytes, CorrelationID: id})
	return data, id, err
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("transport: decoding envelope: %w", err)
	}
	return e, nil
}

func decodeEnvelopeBody(body []byte, out any) error {
	if err := cbor.Unmarshal(body, out); err != nil {
		return fmt.Errorf("transport: decoding body: %w", err)
	}
	return nil
}

// DecodeBody cbor-decodes a Handler's inbound body into out. Handlers use
// this to recover their typed request struct.
func DecodeBody(body []byte, out any) error {
	return decodeEnvelopeBody(body, out)
}

// EncodeBody cbor-encodes a Handler's typed response struct into the bytes
// it should return.
func EncodeBody(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding body: %w", err)
	}
	return data, nil
}

// handlerKey identifies one registered handler.
type handlerKey struct {
	ProviderID uint16
	Type       MessageType
}

// handlerTable is the (providerID, msgType) -> Handler map shared by every
// Transport implementation, protected by its own mutex so Register/
// Deregister never race with dispatch.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[handlerKey]Handler)}
}

func (t *handlerTable) register(providerID uint16, msgType MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[handlerKey{providerID, msgType}] = h
}

func (t *handlerTable) deregister(providerID uint16, msgType MessageType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, handlerKey{providerID, msgType})
}

func (t *handlerTable) lookup(providerID uint16, msgType MessageType) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[handlerKey{providerID, msgType}]
	return h, ok
}

// dispatch decodes an inbound envelope, routes it to the matching handler,
// and returns the encoded response envelope (MsgType and correlation ID
// unchanged, Body the handler's response). A missing handler or a handler
// error yields a reply with an empty Body, which Call accepts without error,
// leaving resp untouched; an envelope that cannot be decoded yields
// a reply with a zero correlation ID, which Call rejects as a mismatch.
func (t *handlerTable) dispatch(ctx context.Context, from string, raw []byte) []byte {
	e, err := decodeEnvelope(raw)
	if err != nil {
		reply, _ := cbor.Marshal(envelope{Type: 0, Body: nil})
		return reply
	}

	h, ok := t.lookup(e.ProviderID, e.Type)
	if !ok {
		reply, _ := cbor.Marshal(envelope{ProviderID: e.ProviderID, Type: e.Type, Body: nil, CorrelationID: e.CorrelationID})
		return reply
	}

	respBody, err := h(ctx, from, e.Body)
	if err != nil {
		respBody = nil
	}
	reply, _ := cbor.Marshal(envelope{ProviderID: e.ProviderID, Type: e.Type, Body: respBody, CorrelationID: e.CorrelationID})
	return reply
}
