package centralized

import (
	"context"
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
)

type pingIn struct {
	Digest uint64
}

type pingOut struct{}

type getViewOut struct {
	View   []byte
	Digest uint64
}

type joinIn struct {
	Address    string
	ProviderID uint16
}

type leaveIn struct {
	Address    string
	ProviderID uint16
}

type membershipUpdateIn struct {
	Kind       backend.UpdateKind
	Address    string
	ProviderID uint16
}

func (e *Engine) registerPrimaryRPCs() {
	e.transport.Register(e.self.ProviderID, transport.MsgGetView, e.handleGetView)
	e.transport.Register(e.self.ProviderID, transport.MsgLeave, e.handleLeave)
	e.transport.Register(e.self.ProviderID, transport.MsgAnnounce, e.handleJoin)
}

func (e *Engine) deregisterPrimaryRPCs() {
	e.transport.Deregister(e.self.ProviderID, transport.MsgGetView)
	e.transport.Deregister(e.self.ProviderID, transport.MsgLeave)
	e.transport.Deregister(e.self.ProviderID, transport.MsgAnnounce)
}

func (e *Engine) registerSecondaryRPCs() {
	e.transport.Register(e.self.ProviderID, transport.MsgPing, e.handlePing)
	e.transport.Register(e.self.ProviderID, transport.MsgMembershipUpdate, e.handleMembershipUpdate)
}

func (e *Engine) deregisterSecondaryRPCs() {
	e.transport.Deregister(e.self.ProviderID, transport.MsgPing)
	e.transport.Deregister(e.self.ProviderID, transport.MsgMembershipUpdate)
}

// primaryLoop runs the periodic liveness sweep: one pass over every known
// secondary per ping_interval_ms, never more than one pass in flight.
func (e *Engine) primaryLoop() {
	defer close(e.tickDone)

	period := time.Duration(e.config.PingIntervalMs) * time.Millisecond
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
			e.pingAllSecondaries()
			if e.shuttingDown.Load() {
				return
			}
			timer.Reset(period)
		}
	}
}

func (e *Engine) pingAllSecondaries() {
	e.mu.Lock()
	targets := make([]view.Key, 0, len(e.memberState))
	for k := range e.memberState {
		targets = append(targets, k)
	}
	e.mu.Unlock()

	for _, k := range targets {
		e.pingOne(k)
	}
}

// pingOne pings a single secondary, bumping its timeout counter on failure
// and removing it (with a DIED broadcast) once ping_max_num_timeouts is hit.
func (e *Engine) pingOne(k view.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
	digest := e.GetView().Digest()
	var out pingOut
	err := e.transport.Call(ctx, k.Address, k.ProviderID, transport.MsgPing, pingIn{Digest: digest}, &out)
	cancel()

	e.mu.Lock()
	ms, ok := e.memberState[k]
	if !ok {
		e.mu.Unlock()
		return
	}
	if err == nil {
		ms.numTimeouts = 0
		e.mu.Unlock()
		return
	}

	ms.numTimeouts++
	dead := ms.numTimeouts >= e.config.PingMaxNumTimeouts
	if dead {
		delete(e.memberState, k)
	}
	e.mu.Unlock()

	if !dead {
		return
	}
	e.GetView().RemoveMember(k)
	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, backend.Died, k.Address, k.ProviderID)
	}
	e.broadcastMembershipUpdate(backend.Died, k)
}

// handlePing answers the primary's liveness ping. A digest mismatch means
// our cached view is stale, so we pull a fresh one before acknowledging.
func (e *Engine) handlePing(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in pingIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	if in.Digest != e.GetView().Digest() {
		_ = e.pullView(ctx)
	}
	return transport.EncodeBody(pingOut{})
}

// pullView fetches a fresh view from the primary and replaces our cache.
func (e *Engine) pullView(ctx context.Context) error {
	var out getViewOut
	if err := e.transport.Call(ctx, e.primary.Address, e.primary.ProviderID, transport.MsgGetView, struct{}{}, &out); err != nil {
		return err
	}
	v := view.New()
	if err := v.UnmarshalJSON(out.View); err != nil {
		return err
	}
	e.setView(v)
	return nil
}

// handleGetView answers a secondary's (or client's) pull with the
// authoritative view. Primary-side only.
func (e *Engine) handleGetView(ctx context.Context, from string, body []byte) ([]byte, error) {
	v := e.GetView()
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return transport.EncodeBody(getViewOut{View: data, Digest: v.Digest()})
}

// handleJoin admits a new secondary into the authoritative view and
// broadcasts the join to every other secondary. Primary-side only.
func (e *Engine) handleJoin(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in joinIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	k := view.Key{Address: in.Address, ProviderID: in.ProviderID}

	e.GetView().AddMember(k, nil, nil)
	e.mu.Lock()
	e.memberState[k] = &memberState{}
	e.mu.Unlock()

	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, backend.Joined, k.Address, k.ProviderID)
	}
	e.broadcastMembershipUpdate(backend.Joined, k)
	return transport.EncodeBody(pingOut{})
}

// sendJoin announces self to the primary as part of initial bootstrap.
// Secondary-side only.
func (e *Engine) sendJoin(ctx context.Context) error {
	in := joinIn{Address: e.self.Address, ProviderID: e.self.ProviderID}
	return e.transport.Call(ctx, e.primary.Address, e.primary.ProviderID, transport.MsgAnnounce, in, &pingOut{})
}

// handleLeave removes a departing secondary from the authoritative view
// and broadcasts the departure. Primary-side only.
func (e *Engine) handleLeave(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in leaveIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	k := view.Key{Address: in.Address, ProviderID: in.ProviderID}

	e.mu.Lock()
	delete(e.memberState, k)
	e.mu.Unlock()

	e.GetView().RemoveMember(k)
	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, backend.Left, k.Address, k.ProviderID)
	}
	e.broadcastMembershipUpdate(backend.Left, k)
	return transport.EncodeBody(pingOut{})
}

// sendLeave announces self's departure to the primary. Secondary-side only.
func (e *Engine) sendLeave(ctx context.Context) error {
	in := leaveIn{Address: e.self.Address, ProviderID: e.self.ProviderID}
	return e.transport.Call(ctx, e.primary.Address, e.primary.ProviderID, transport.MsgLeave, in, &pingOut{})
}

// broadcastMembershipUpdate notifies every current secondary of a removal
// or admission that the primary just applied. Primary-side only.
func (e *Engine) broadcastMembershipUpdate(kind backend.UpdateKind, subject view.Key) {
	e.mu.Lock()
	targets := make([]view.Key, 0, len(e.memberState))
	for k := range e.memberState {
		if k == subject {
			continue
		}
		targets = append(targets, k)
	}
	e.mu.Unlock()

	in := membershipUpdateIn{Kind: kind, Address: subject.Address, ProviderID: subject.ProviderID}
	for _, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
		_ = e.transport.Call(ctx, t.Address, t.ProviderID, transport.MsgMembershipUpdate, in, &pingOut{})
		cancel()
	}
}

// handleMembershipUpdate applies a primary-broadcast join/removal to our
// cached view. Secondary-side only.
func (e *Engine) handleMembershipUpdate(ctx context.Context, from string, body []byte) ([]byte, error) {
	var in membershipUpdateIn
	if err := transport.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	k := view.Key{Address: in.Address, ProviderID: in.ProviderID}

	if in.Kind == backend.Joined {
		e.GetView().AddMember(k, nil, nil)
	} else {
		e.GetView().RemoveMember(k)
	}
	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, in.Kind, k.Address, k.ProviderID)
	}
	return transport.EncodeBody(pingOut{})
}
