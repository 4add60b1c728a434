package swim

import (
	"context"
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/gossip"
	"github.com/melihxz/flock/internal/view"
	"golang.org/x/sync/errgroup"
)

// tickLoop runs the single periodic protocol task: one tick per
// protocol_period_ms, never more than one tick in flight at a time.
// Re-arming is gated on !shutting_down read after the tick's work
// completes, not before, closing the race window the original timer
// implementation had to guard against explicitly.
func (e *Engine) tickLoop() {
	defer close(e.tickDone)

	period := time.Duration(e.config.ProtocolPeriodMs) * time.Millisecond
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), period)
			go func() {
				select {
				case <-e.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			e.tick(ctx)
			cancel()

			if e.shuttingDown.Load() {
				return
			}
			timer.Reset(period)
		}
	}
}

// tick runs one protocol cycle: suspicion sweep, gossip cleanup, target
// selection, probing.
func (e *Engine) tick(ctx context.Context) {
	e.suspicionSweep()
	e.gossip.Cleanup()

	target, ok := e.nextProbeTarget()
	if !ok {
		return
	}
	e.probeCycle(ctx, target)
}

// regenProbeOrder reshuffles the round-robin probe permutation (Fisher-
// Yates) and resets the cursor. Called on every membership change so a
// probe cycle visits each currently-live peer at most once before wrapping.
func (e *Engine) regenProbeOrder() {
	keys := e.view.Keys()

	e.rngMu.Lock()
	for i := len(keys) - 1; i > 0; i-- {
		j := e.rng.Intn(i + 1)
		keys[i], keys[j] = keys[j], keys[i]
	}
	e.rngMu.Unlock()

	e.probeMu.Lock()
	e.probeOrder = keys
	e.probeCursor = 0
	e.probeMu.Unlock()
}

// nextProbeTarget advances the cursor, skipping self and any key no longer
// present in the view (removed since the permutation was generated). It
// wraps and regenerates the permutation at most once per call.
func (e *Engine) nextProbeTarget() (view.Key, bool) {
	e.probeMu.Lock()
	order := e.probeOrder
	cursor := e.probeCursor
	e.probeMu.Unlock()

	if len(order) == 0 {
		return view.Key{}, false
	}

	wrapped := false
	for i := 0; i < len(order); i++ {
		idx := (cursor + i) % len(order)
		k := order[idx]

		if idx+1 == len(order) && !wrapped {
			wrapped = true
		}

		if k == e.self {
			continue
		}
		if e.view.FindMember(k) == nil {
			continue
		}

		e.probeMu.Lock()
		e.probeCursor = (idx + 1) % len(order)
		if e.probeCursor == 0 {
			wrapped = true
		}
		e.probeMu.Unlock()

		if wrapped {
			defer e.regenProbeOrder()
		}
		return k, true
	}

	// Nobody qualified: size-1 group, or only self survives.
	e.regenProbeOrder()
	return view.Key{}, false
}

// suspicionSweep marks any member whose suspicion has expired as dead:
// emits CONFIRM gossip, removes it from the view, fires the "died"
// observer, and regenerates the probe order.
func (e *Engine) suspicionSweep() {
	now := time.Now()
	timeout := time.Duration(e.config.SuspicionTimeoutMs) * time.Millisecond

	var expired []view.Key

	e.view.Lock()
	for i := 0; i < e.view.LenLocked(); i++ {
		m := e.view.MemberAtLocked(i)
		ms, ok := m.Extra.(*MemberState)
		if !ok || ms.Status != StatusSuspected {
			continue
		}
		if now.Sub(ms.SuspicionStart) >= timeout {
			expired = append(expired, m.Key)
		}
	}
	e.view.Unlock()

	if len(expired) == 0 {
		return
	}

	for _, k := range expired {
		e.markDead(k)
	}
	e.regenProbeOrder()
}

// markDead emits a CONFIRM gossip entry, removes the member, and fires the
// "died" observer after the lock has been dropped, so the callback always
// observes a view where the subject is already absent.
func (e *Engine) markDead(k view.Key) {
	e.view.Lock()
	m := e.view.FindMemberLocked(k)
	var incarnation uint64
	if m != nil {
		if ms, ok := m.Extra.(*MemberState); ok {
			incarnation = ms.Incarnation
		}
	}
	removed := e.view.RemoveMemberLocked(k)
	e.view.Unlock()

	if !removed {
		return
	}

	e.gossip.Add(gossip.Entry{Type: gossip.Confirm, Address: k.Address, ProviderID: k.ProviderID, Incarnation: incarnation})
	e.gossip.SetGroupSize(e.view.Len())

	if e.membershipFn != nil {
		e.membershipFn(e.callbackCtx, backend.Died, k.Address, k.ProviderID)
	}
}

// probeCycle issues a direct ping, falling back to indirect ping_req probes
// through k helpers on timeout/failure.
func (e *Engine) probeCycle(ctx context.Context, target view.Key) {
	entries := e.gossip.Gather(MaxGossipEntries)

	ctxDirect, cancel := context.WithTimeout(ctx, time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
	responderIncarn, respEntries, err := e.sendPing(ctxDirect, target, entries)
	cancel()

	if err == nil {
		e.applyGossip(respEntries)
		e.maybeRecover(target, responderIncarn)
		return
	}

	if e.indirectProbe(ctx, target, entries) {
		return
	}

	e.markSuspected(target)
}

// indirectProbe asks up to ping_req_members helpers to ping target on our
// behalf, returning true as soon as any reports success.
func (e *Engine) indirectProbe(ctx context.Context, target view.Key, entries []gossip.Entry) bool {
	helpers := e.selectRandomMembers(e.config.PingReqMembers, target)
	if len(helpers) == 0 {
		return false
	}

	ctxIndirect, cancel := context.WithTimeout(ctx, time.Duration(e.config.PingReqTimeoutMs)*time.Millisecond)
	defer cancel()

	type outcome struct {
		responded bool
		incarnation uint64
		entries   []gossip.Entry
	}
	results := make([]outcome, len(helpers))

	g, gctx := errgroup.WithContext(ctxIndirect)
	for i, helper := range helpers {
		i, helper := i, helper
		g.Go(func() error {
			responded, incarn, respEntries, _ := e.sendPingReq(gctx, helper, target, entries)
			results[i] = outcome{responded: responded, incarnation: incarn, entries: respEntries}
			if responded {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.responded {
			e.applyGossip(r.entries)
			e.maybeRecover(target, r.incarnation)
			return true
		}
	}
	return false
}

// maybeRecover clears a target's suspicion if it was suspected and the
// fresh incarnation strictly exceeds what we had on record.
func (e *Engine) maybeRecover(target view.Key, incarnation uint64) {
	e.view.Lock()
	m := e.view.FindMemberLocked(target)
	if m == nil {
		e.view.Unlock()
		return
	}
	ms, ok := m.Extra.(*MemberState)
	if !ok {
		e.view.Unlock()
		return
	}
	shouldRecover := ms.Status == StatusSuspected && incarnation > ms.Incarnation
	if shouldRecover {
		ms.Status = StatusAlive
		ms.Incarnation = incarnation
		ms.SuspicionStart = time.Time{}
	}
	e.view.Unlock()

	if shouldRecover {
		e.gossip.Add(gossip.Entry{Type: gossip.Alive, Address: target.Address, ProviderID: target.ProviderID, Incarnation: incarnation})
	}
}

// markSuspected transitions target to SUSPECTED and emits a SUSPECT gossip
// entry carrying its currently-known incarnation. A target that is already
// suspected keeps its original suspicion start.
func (e *Engine) markSuspected(target view.Key) {
	e.view.Lock()
	m := e.view.FindMemberLocked(target)
	if m == nil {
		e.view.Unlock()
		return
	}
	ms, ok := m.Extra.(*MemberState)
	if !ok {
		e.view.Unlock()
		return
	}
	if ms.Status != StatusSuspected {
		ms.Status = StatusSuspected
		ms.SuspicionStart = time.Now()
	}
	incarnation := ms.Incarnation
	e.view.Unlock()

	e.gossip.Add(gossip.Entry{Type: gossip.Suspect, Address: target.Address, ProviderID: target.ProviderID, Incarnation: incarnation})
}

// selectRandomMembers picks up to k distinct members, excluding self and
// target, uniformly at random without replacement. Confirmed-dead members
// are never candidates since they are removed from the view immediately.
func (e *Engine) selectRandomMembers(k int, target view.Key) []view.Key {
	keys := e.view.Keys()
	candidates := make([]view.Key, 0, len(keys))
	for _, key := range keys {
		if key == e.self || key == target {
			continue
		}
		candidates = append(candidates, key)
	}

	e.rngMu.Lock()
	e.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	e.rngMu.Unlock()

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}
