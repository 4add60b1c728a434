package swim

import (
	"context"
	"time"

	"github.com/melihxz/flock/internal/gossip"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
)

// pingIn/pingOut are the ping RPC's wire request/response: a piggybacked
// gossip batch each way, plus the responder's current incarnation so the
// prober can detect and clear a stale suspicion.
type pingIn struct {
	Entries []gossip.Entry
}

type pingOut struct {
	Incarnation uint64
	Entries     []gossip.Entry
}

// pingReqIn/pingReqOut are the indirect-probe RPC's wire request/response.
type pingReqIn struct {
	TargetAddress    string
	TargetProviderID uint16
	Entries          []gossip.Entry
}

type pingReqOut struct {
	Responded   bool
	Incarnation uint64
	Entries     []gossip.Entry
}

// announceIn is the one-shot membership announcement RPC (JOIN/LEAVE).
type announceIn struct {
	Type        gossip.EntryType
	Address     string
	ProviderID  uint16
	Incarnation uint64
}

// registerRPCs wires this engine's RPC handlers into its transport.
func (e *Engine) registerRPCs() {
	e.transport.Register(e.self.ProviderID, transport.MsgPing, e.handlePing)
	e.transport.Register(e.self.ProviderID, transport.MsgPingReq, e.handlePingReq)
	e.transport.Register(e.self.ProviderID, transport.MsgAnnounce, e.handleAnnounce)
}

// deregisterRPCs undoes registerRPCs, called from Destroy.
func (e *Engine) deregisterRPCs() {
	e.transport.Deregister(e.self.ProviderID, transport.MsgPing)
	e.transport.Deregister(e.self.ProviderID, transport.MsgPingReq)
	e.transport.Deregister(e.self.ProviderID, transport.MsgAnnounce)
}

// sendPing issues a direct ping to target, piggybacking entries, and
// returns the responder's incarnation and its own piggybacked gossip.
func (e *Engine) sendPing(ctx context.Context, target view.Key, entries []gossip.Entry) (uint64, []gossip.Entry, error) {
	var out pingOut
	err := e.transport.Call(ctx, target.Address, target.ProviderID, transport.MsgPing, pingIn{Entries: entries}, &out)
	if err != nil {
		return 0, nil, err
	}
	return out.Incarnation, out.Entries, nil
}

// handlePing answers a direct ping: applies the caller's piggybacked
// gossip, then responds with our own incarnation and a fresh gossip batch.
func (e *Engine) handlePing(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in pingIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	e.applyGossip(in.Entries)

	out := pingOut{
		Incarnation: e.selfIncarnation(),
		Entries:     e.gossip.Gather(MaxGossipEntries),
	}
	return transport.EncodeBody(out)
}

// sendPingReq asks helper to ping target on our behalf.
func (e *Engine) sendPingReq(ctx context.Context, helper, target view.Key, entries []gossip.Entry) (bool, uint64, []gossip.Entry, error) {
	var out pingReqOut
	req := pingReqIn{TargetAddress: target.Address, TargetProviderID: target.ProviderID, Entries: entries}
	err := e.transport.Call(ctx, helper.Address, helper.ProviderID, transport.MsgPingReq, req, &out)
	if err != nil {
		return false, 0, nil, err
	}
	return out.Responded, out.Incarnation, out.Entries, nil
}

// handlePingReq answers an indirect-probe request: applies the caller's
// gossip, then pings the named target on the caller's behalf within the
// configured direct-ping timeout, reporting whether it responded.
func (e *Engine) handlePingReq(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in pingReqIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	e.applyGossip(in.Entries)

	target := view.Key{Address: in.TargetAddress, ProviderID: in.TargetProviderID}

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
	incarnation, entries, err := e.sendPing(pingCtx, target, e.gossip.Gather(MaxGossipEntries))
	cancel()

	out := pingReqOut{Responded: err == nil, Incarnation: incarnation, Entries: entries}
	return transport.EncodeBody(out)
}

// handleAnnounce applies a one-shot JOIN/LEAVE announcement from a peer,
// identically to any other piggybacked gossip entry.
func (e *Engine) handleAnnounce(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in announceIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	entry := gossip.Entry{Type: in.Type, Address: in.Address, ProviderID: in.ProviderID, Incarnation: in.Incarnation}
	e.applyOne(entry)
	e.gossip.Add(entry)
	return transport.EncodeBody(struct{}{})
}

// announceTargets samples up to MaxGossipEntries current members (never
// self) to receive a best-effort direct JOIN/LEAVE announcement.
func (e *Engine) announceTargets() []view.Key {
	return e.selectRandomMembers(MaxGossipEntries, e.self)
}

// sendAnnounce tells each target about this engine's own JOIN or LEAVE,
// best-effort: an unreachable target will still learn of the event once it
// propagates as ordinary piggybacked gossip.
func (e *Engine) sendAnnounce(ctx context.Context, eventType gossip.EntryType, targets []view.Key) {
	in := announceIn{
		Type:        eventType,
		Address:     e.self.Address,
		ProviderID:  e.self.ProviderID,
		Incarnation: e.selfIncarnation(),
	}
	for _, target := range targets {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
		_ = e.transport.Call(callCtx, target.Address, target.ProviderID, transport.MsgAnnounce, in, &struct{}{})
		cancel()
	}
}
