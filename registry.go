package connector

import (
	"fmt"
	"sync"

	"github.com/vpnkit/connector/internal/capability"
)

// backendEntry pairs a backend's factory with its class-level hooks:
// priority breaks ties among backends that validate, and validate
// reports whether the backend's runtime dependencies are even present.
type backendEntry struct {
	tag      string
	factory  capability.Factory
	priority func() int
	validate func() bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*backendEntry{}
)

// RegisterBackend adds a backend factory to the global registry under
// tag. It panics on a duplicate tag, mirroring database/sql.Register:
// this only ever happens from a package init(), so a duplicate is a
// build-time mistake, not a runtime condition to recover from.
func RegisterBackend(tag string, factory capability.Factory, priority func() int, validate func() bool) {
	if factory == nil {
		panic("connector: RegisterBackend called with nil factory for tag " + tag)
	}
	if priority == nil {
		priority = func() int { return 0 }
	}
	if validate == nil {
		validate = func() bool { return true }
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[tag]; exists {
		panic("connector: backend already registered: " + tag)
	}
	registry[tag] = &backendEntry{tag: tag, factory: factory, priority: priority, validate: validate}
}

// ErrUnknownBackend is returned when an explicitly named backend tag is
// not registered.
type ErrUnknownBackend struct{ Tag string }

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("connector: unknown backend %q", e.Tag)
}

// ErrBackendInvalid is returned when an explicitly named backend is
// registered but fails Validate().
type ErrBackendInvalid struct{ Tag string }

func (e *ErrBackendInvalid) Error() string {
	return fmt.Sprintf("connector: backend %q failed validation", e.Tag)
}

// ErrNoValidBackend is returned when no tag was requested and no
// registered backend validates.
var ErrNoValidBackend = fmt.Errorf("connector: no registered backend passed validation")

// selectBackend resolves a backend by explicit tag, or by highest
// priority among those that validate when tag is empty.
func selectBackend(tag string) (*backendEntry, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if tag != "" {
		entry, ok := registry[tag]
		if !ok {
			return nil, &ErrUnknownBackend{Tag: tag}
		}
		if !entry.validate() {
			return nil, &ErrBackendInvalid{Tag: tag}
		}
		return entry, nil
	}

	var best *backendEntry
	for _, entry := range registry {
		if !entry.validate() {
			continue
		}
		if best == nil || entry.priority() > best.priority() {
			best = entry
		}
	}
	if best == nil {
		return nil, ErrNoValidBackend
	}
	return best, nil
}
