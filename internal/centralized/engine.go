// Package centralized implements the rank-0-pings-everyone alternative
// backend: one primary holds the authoritative view and periodically pings
// every secondary; secondaries hold only a cached copy, refreshed by
// pulling from the primary whenever a ping reveals a stale digest. Grounded
// on the original centralized-backend.c's member_state/ping_timer_callback
// design, reworked into a single goroutine per primary instead of one
// margo timer per secondary.
package centralized

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/log"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
)

// Engine implements backend.Engine using a single authoritative primary.
type Engine struct {
	self      view.Key
	primary   view.Key
	isPrimary bool

	viewMu sync.Mutex
	view   *view.View

	config    Config
	configRaw json.RawMessage

	transport transport.Transport
	logger    *log.Logger

	mu          sync.Mutex
	memberState map[view.Key]*memberState

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	tickDone     chan struct{}

	membershipFn backend.MembershipFunc
	metadataFn   backend.MetadataFunc
	callbackCtx  any
}

// memberState is the primary's per-secondary liveness bookkeeping.
type memberState struct {
	numTimeouts int
}

// NewFactory returns a backend.Factory that builds centralized engines
// bound to the given transport and logger.
func NewFactory(tr transport.Transport, logger *log.Logger) backend.Factory {
	return func(args backend.InitArgs) (backend.Engine, error) {
		return newEngine(args, tr, logger)
	}
}

func newEngine(args backend.InitArgs, tr transport.Transport, logger *log.Logger) (*Engine, error) {
	cfg, err := parseConfig(args.Config)
	if err != nil {
		return nil, err
	}
	configRaw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("centralized: marshaling effective config: %w", err)
	}

	self := view.Key{Address: args.SelfAddress, ProviderID: args.SelfProviderID}

	e := &Engine{
		self:        self,
		config:      cfg,
		configRaw:   configRaw,
		transport:   tr,
		logger:      logger,
		memberState: make(map[view.Key]*memberState),
		stopCh:      make(chan struct{}),
		tickDone:    make(chan struct{}),

		membershipFn: args.MembershipUpdateFunc,
		metadataFn:   args.MetadataUpdateFunc,
		callbackCtx:  args.CallbackContext,
	}

	e.view = args.InitialView
	if e.view == nil {
		e.view = view.New()
	}
	if e.view.FindMember(self) == nil {
		e.view.AddMember(self, nil, nil)
	}

	keys := e.view.Keys()
	e.primary = keys[0]
	e.isPrimary = e.primary == e.self

	if e.isPrimary {
		for _, k := range keys {
			if k == e.self {
				continue
			}
			e.memberState[k] = &memberState{}
		}
		e.registerPrimaryRPCs()
		go e.primaryLoop()
	} else {
		e.registerSecondaryRPCs()
		if args.Join {
			if err := e.sendJoin(context.Background()); err != nil {
				e.deregisterSecondaryRPCs()
				return nil, fmt.Errorf("centralized: joining primary %s: %w", e.primary.Address, err)
			}
		}
	}

	return e, nil
}

// GetConfig implements backend.Engine.
func (e *Engine) GetConfig() json.RawMessage { return e.configRaw }

// GetView implements backend.Engine: the authoritative view for the
// primary, the most recently pulled cached copy for a secondary.
func (e *Engine) GetView() *view.View {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.view
}

func (e *Engine) setView(v *view.View) {
	e.viewMu.Lock()
	e.view = v
	e.viewMu.Unlock()
}

// AddMetadata implements backend.Engine. The centralized backend does not
// support per-member metadata, matching the original source.
func (e *Engine) AddMetadata(key, value string) error { return backend.ErrUnsupported }

// RemoveMetadata implements backend.Engine.
func (e *Engine) RemoveMetadata(key string) error { return backend.ErrUnsupported }

// Destroy implements backend.Engine: the primary stops its ping loop; a
// secondary announces its departure to the primary first.
func (e *Engine) Destroy() error {
	if e.shuttingDown.Swap(true) {
		return nil
	}

	if e.isPrimary {
		close(e.stopCh)
		<-e.tickDone
		e.deregisterPrimaryRPCs()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.config.PingTimeoutMs)*time.Millisecond)
		_ = e.sendLeave(ctx)
		cancel()
		e.deregisterSecondaryRPCs()
	}

	e.GetView().Clear()
	return nil
}
