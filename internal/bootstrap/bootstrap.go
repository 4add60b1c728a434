// Package bootstrap resolves a provider's configured bootstrap mode into an
// initial view. Only "self" and "file" are implemented; the others are
// accepted by internal/config so a config file can name them, but rejected
// here with ErrUnsupported until a discovery mechanism exists.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/melihxz/flock/internal/config"
	"github.com/melihxz/flock/internal/view"
)

// ErrUnsupported is returned for a configured bootstrap mode this build does
// not implement.
var ErrUnsupported = fmt.Errorf("bootstrap: mode not implemented")

// Resolve builds the initial view for self, as configured by cfg.
func Resolve(cfg config.GroupConfig, self view.Key) (*view.View, error) {
	switch cfg.Bootstrap {
	case config.BootstrapSelf, "":
		v := view.New()
		v.AddMember(self, nil, nil)
		return v, nil
	case config.BootstrapFile:
		return fromFile(cfg.File, self)
	case config.BootstrapView, config.BootstrapJoin, config.BootstrapMPI:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Bootstrap)
	default:
		return nil, fmt.Errorf("bootstrap: unknown mode %q", cfg.Bootstrap)
	}
}

// fromFile loads a serialized view (the same wire format internal/view
// marshals) from path, inserting self if the file didn't already list it.
func fromFile(path string, self view.Key) (*view.View, error) {
	if path == "" {
		return nil, fmt.Errorf("bootstrap: file mode requires group.file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: reading view file: %w", err)
	}

	v := view.New()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("bootstrap: parsing view file: %w", err)
	}
	if v.FindMember(self) == nil {
		v.AddMember(self, nil, nil)
	}
	return v, nil
}
