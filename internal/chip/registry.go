package chip

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps detection keys to descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors []Descriptor
}

// NewRegistry creates a registry holding the given descriptors.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{}
	for _, d := range descriptors {
		r.Register(d)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of every built-in family.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(
			NewESP8266(),
			NewESP32(),
			NewESP32S2(),
			NewESP32S3(),
			NewESP32C3(),
		)
	})
	return defaultRegistry
}

// Register adds a descriptor. A later descriptor with the same name
// replaces the earlier one.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.descriptors {
		if existing.Name() == d.Name() {
			r.descriptors[i] = d
			return
		}
	}
	r.descriptors = append(r.descriptors, d)
}

// ByMagic finds the family whose chip-detect register holds magic.
func (r *Registry) ByMagic(magic uint32) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		for _, m := range d.MagicValues() {
			if m == magic {
				return d, nil
			}
		}
	}
	return nil, &UnknownChipError{Key: fmt.Sprintf("magic value 0x%08x", magic)}
}

// ByImageChipID finds the family reporting id in GET_SECURITY_INFO.
func (r *Registry) ByImageChipID(id uint32) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if d.ImageChipID() != NoImageChipID && uint32(d.ImageChipID()) == id {
			return d, nil
		}
	}
	return nil, &UnknownChipError{Key: fmt.Sprintf("chip ID %d", id)}
}

// ByName finds a family by name, ignoring case and dashes.
func (r *Registry) ByName(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := normalizeName(name)
	for _, d := range r.descriptors {
		if normalizeName(d.Name()) == want {
			return d, nil
		}
	}
	return nil, &UnknownChipError{Key: fmt.Sprintf("name %q", name)}
}

// All returns the registered descriptors in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.descriptors...)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", ""))
}

// UnknownChipError is returned when no registered family matches.
type UnknownChipError struct {
	Key string
}

func (e *UnknownChipError) Error() string {
	return fmt.Sprintf("unknown chip: no family matches %s", e.Key)
}
