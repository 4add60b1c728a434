// Package provider implements the backend-agnostic dispatch layer: it owns
// exactly one backend.Engine, fans out membership updates to registered
// observers, and answers the client-facing get_view RPC. Grounded on the
// original provider's role of wrapping a backend with RPC handlers and an
// observer list, expressed here as a thin Go type instead of a Margo
// provider object.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/melihxz/flock/internal/backend"
	"github.com/melihxz/flock/internal/log"
	"github.com/melihxz/flock/internal/transport"
	"github.com/melihxz/flock/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// membershipUpdatesTotal counts every membership callback a Provider fans
// out to its observers, labeled by update kind.
var membershipUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flock",
	Subsystem: "provider",
	Name:      "membership_updates_total",
	Help:      "Total membership update callbacks dispatched to observers, by update kind.",
}, []string{"kind"})

// viewSize tracks the local backend's current view size as last observed at
// a dispatched membership update.
var viewSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "flock",
	Subsystem: "provider",
	Name:      "view_size",
	Help:      "Current number of members in the local backend's view.",
})

// ObserverFunc is invoked whenever the local backend reports a membership
// change. Lock ordering requires this to run with the observer list's lock
// held only long enough to copy the slice; the callback itself runs outside
// any Provider lock.
type ObserverFunc func(kind backend.UpdateKind, address string, providerID uint16)

// MetadataObserverFunc is invoked whenever the local backend reports a
// metadata key change, mirroring ObserverFunc's dispatch discipline.
type MetadataObserverFunc func(key, value string)

// Provider wraps one backend engine with observer dispatch and a
// client-facing get_view RPC.
type Provider struct {
	self      view.Key
	transport transport.Transport
	logger    *log.Logger

	engine backend.Engine

	obsMu     sync.RWMutex
	observers map[int]ObserverFunc
	nextObs   int

	metaMu        sync.RWMutex
	metaObservers map[int]MetadataObserverFunc
	nextMetaObs   int
}

// New constructs the backend via factory, wiring the provider's own
// membership and metadata dispatch in as the backend's callbacks (spec
// §4.8's add_callbacks contract registers both together), and registers the
// get_view RPC on transport.
func New(factory backend.Factory, args backend.InitArgs, self view.Key, tr transport.Transport, logger *log.Logger) (*Provider, error) {
	p := &Provider{
		self:          self,
		transport:     tr,
		logger:        logger,
		observers:     make(map[int]ObserverFunc),
		metaObservers: make(map[int]MetadataObserverFunc),
	}

	args.MembershipUpdateFunc = p.dispatchMembership
	args.MetadataUpdateFunc = p.dispatchMetadata
	args.SelfAddress = self.Address
	args.SelfProviderID = self.ProviderID

	engine, err := factory(args)
	if err != nil {
		return nil, fmt.Errorf("provider: starting backend: %w", err)
	}
	p.engine = engine

	p.transport.Register(p.self.ProviderID, transport.MsgGetView, p.handleGetView)
	return p, nil
}

func (p *Provider) dispatchMembership(ctx any, kind backend.UpdateKind, address string, providerID uint16) {
	membershipUpdatesTotal.WithLabelValues(kind.String()).Inc()
	viewSize.Set(float64(p.engine.GetView().Len()))

	p.obsMu.RLock()
	observers := make([]ObserverFunc, 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.obsMu.RUnlock()

	for _, fn := range observers {
		fn(kind, address, providerID)
	}
}

func (p *Provider) dispatchMetadata(ctx any, key, value string) {
	p.metaMu.RLock()
	observers := make([]MetadataObserverFunc, 0, len(p.metaObservers))
	for _, fn := range p.metaObservers {
		observers = append(observers, fn)
	}
	p.metaMu.RUnlock()

	for _, fn := range observers {
		fn(key, value)
	}
}

// AddObserver registers fn and returns a token for RemoveObserver.
func (p *Provider) AddObserver(fn ObserverFunc) int {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	token := p.nextObs
	p.nextObs++
	p.observers[token] = fn
	return token
}

// RemoveObserver deregisters the observer previously returned by AddObserver.
func (p *Provider) RemoveObserver(token int) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	delete(p.observers, token)
}

// AddMetadataObserver registers fn and returns a token for
// RemoveMetadataObserver.
func (p *Provider) AddMetadataObserver(fn MetadataObserverFunc) int {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	token := p.nextMetaObs
	p.nextMetaObs++
	p.metaObservers[token] = fn
	return token
}

// RemoveMetadataObserver deregisters the observer previously returned by
// AddMetadataObserver.
func (p *Provider) RemoveMetadataObserver(token int) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	delete(p.metaObservers, token)
}

// GetView returns the live backend view.
func (p *Provider) GetView() *view.View { return p.engine.GetView() }

// GetConfig returns the backend's effective configuration.
func (p *Provider) GetConfig() json.RawMessage { return p.engine.GetConfig() }

// AddMetadata delegates to the backend.
func (p *Provider) AddMetadata(key, value string) error { return p.engine.AddMetadata(key, value) }

// RemoveMetadata delegates to the backend.
func (p *Provider) RemoveMetadata(key string) error { return p.engine.RemoveMetadata(key) }

// Destroy deregisters the get_view RPC and tears down the backend.
func (p *Provider) Destroy() error {
	p.transport.Deregister(p.self.ProviderID, transport.MsgGetView)
	return p.engine.Destroy()
}

// getViewOut is the get_view RPC's wire response: the bit-exact view wire
// format plus its digest, so a client can tell whether a later refresh is
// actually necessary before re-parsing.
type getViewOut struct {
	View   []byte
	Digest uint64
}

func (p *Provider) handleGetView(ctx context.Context, from string, body []byte) ([]byte, error) {
	v := p.engine.GetView()
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("provider: marshaling view: %w", err)
	}
	return transport.EncodeBody(getViewOut{View: data, Digest: v.Digest()})
}
