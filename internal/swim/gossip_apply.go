package swim

import (
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/gossip"
	"github.com/melihxz/flock/internal/view"
)

// applyGossip applies each received entry per the gossip-application state
// machine, then re-adds it to the local buffer so it continues to
// propagate. Observer callbacks always fire after the view lock has been
// released for that entry.
func (e *Engine) applyGossip(entries []gossip.Entry) {
	for _, entry := range entries {
		e.applyOne(entry)
		e.gossip.Add(entry)
	}
}

func (e *Engine) applyOne(entry gossip.Entry) {
	subject := view.Key{Address: entry.Address, ProviderID: entry.ProviderID}

	if subject == e.self {
		if entry.Type == gossip.Suspect {
			e.refuteSuspicion()
		}
		// Self-directed otherwise: we are authoritative about ourselves, ignore.
		return
	}

	switch entry.Type {
	case gossip.Alive, gossip.Join:
		e.applyAliveOrJoin(subject, entry.Incarnation)
	case gossip.Suspect:
		e.applySuspect(subject, entry.Incarnation)
	case gossip.Confirm:
		e.applyRemoval(subject, backend.Died)
	case gossip.Leave:
		e.applyRemoval(subject, backend.Left)
	}
}

func (e *Engine) applyAliveOrJoin(subject view.Key, incarnation uint64) {
	e.view.Lock()
	m := e.view.FindMemberLocked(subject)
	if m == nil {
		_, inserted := e.view.AddMemberLocked(subject, &MemberState{
			Status:          StatusAlive,
			Incarnation:     incarnation,
			ResolvedAddress: subject.Address,
		}, nil)
		e.view.Unlock()

		if inserted {
			e.regenProbeOrder()
			e.gossip.SetGroupSize(e.view.Len())
			if e.membershipFn != nil {
				e.membershipFn(e.callbackCtx, backend.Joined, subject.Address, subject.ProviderID)
			}
		}
		return
	}

	ms, ok := m.Extra.(*MemberState)
	if !ok {
		e.view.Unlock()
		return
	}
	if incarnation > ms.Incarnation {
		ms.Incarnation = incarnation
		ms.Status = StatusAlive
		ms.SuspicionStart = time.Time{}
	} else if incarnation == ms.Incarnation && ms.Status == StatusSuspected {
		ms.Status = StatusAlive
		ms.SuspicionStart = time.Time{}
	}
	e.view.Unlock()
}

func (e *Engine) applySuspect(subject view.Key, incarnation uint64) {
	e.view.Lock()
	m := e.view.FindMemberLocked(subject)
	if m == nil {
		e.view.Unlock()
		return
	}
	ms, ok := m.Extra.(*MemberState)
	if !ok {
		e.view.Unlock()
		return
	}
	if incarnation >= ms.Incarnation && ms.Status == StatusAlive {
		ms.Status = StatusSuspected
		ms.SuspicionStart = time.Now()
		ms.Incarnation = incarnation
	}
	e.view.Unlock()
}

func (e *Engine) applyRemoval(subject view.Key, kind backend.UpdateKind) {
	e.view.Lock()
	removed := e.view.RemoveMemberLocked(subject)
	e.view.Unlock()

	if !removed {
		return
	}
	e.regenProbeOrder()
	e.gossip.SetGroupSize(e.view.Len())
	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, kind, subject.Address, subject.ProviderID)
	}
}
