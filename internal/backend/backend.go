// Package backend defines the backend-agnostic membership engine interface
// that both the SWIM and centralized engines implement, plus a name-keyed
// registry for callers that only know a backend's configured name, not its
// Go type.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/melihxz/flock/internal/view"
)

// UpdateKind is the kind of membership change delivered to an observer.
type UpdateKind int

const (
	Joined UpdateKind = iota
	Left
	Died
	Moved
)

func (k UpdateKind) String() string {
	switch k {
	case Joined:
		return "JOINED"
	case Left:
		return "LEFT"
	case Died:
		return "DIED"
	case Moved:
		return "MOVED"
	default:
		return "UNKNOWN"
	}
}

// MembershipFunc is invoked whenever a member joins, leaves, dies or moves.
// Implementations must not block for longer than a scheduling quantum; if
// they have real work to do they should hand it off to their own pool.
type MembershipFunc func(ctx any, kind UpdateKind, address string, providerID uint16)

// MetadataFunc is invoked whenever a metadata key changes.
type MetadataFunc func(ctx any, key, value string)

// InitArgs carries everything a backend needs to initialize a group. The
// backend adopts InitialView as its live view (a nil InitialView is replaced
// by a new empty view). The caller's view is not emptied: after a successful
// init it is the same object the engine mutates, and after a failed init it
// is left as it was.
type InitArgs struct {
	Context              context.Context
	SelfProviderID        uint16
	SelfAddress           string
	Config                json.RawMessage
	InitialView           *view.View
	Join                  bool
	MembershipUpdateFunc  MembershipFunc
	MetadataUpdateFunc    MetadataFunc
	CallbackContext       any
}

// Engine is the backend-agnostic membership interface. Both the SWIM and the
// centralized backend implement every method; SWIM returns ErrUnsupported
// from AddMetadata/RemoveMetadata.
type Engine interface {
	// GetConfig returns the backend's current JSON configuration.
	GetConfig() json.RawMessage
	// GetView returns the backend's live view (not a copy); callers must
	// respect the view's own locking.
	GetView() *view.View
	AddMetadata(key, value string) error
	RemoveMetadata(key string) error
	// Destroy tears the engine down: cancels timers, deregisters RPCs (via
	// the transport layer the caller owns), and clears the view.
	Destroy() error
}

// Factory constructs an Engine from InitArgs. Provider.New takes a Factory
// value directly so the common case never touches the registry below.
type Factory func(InitArgs) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named backend factory to the package-level registry, for
// callers that only know a backend's name from parsed configuration.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup returns the factory registered under name, if any.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// ErrUnsupported is returned by backend operations a given backend does not
// implement (e.g. centralized's AddMetadata/RemoveMetadata).
var ErrUnsupported = fmt.Errorf("backend: operation not supported")
