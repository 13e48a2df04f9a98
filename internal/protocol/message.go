package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// MessageDescriptor describes one message type. Descriptors are immutable
// once registered.
type MessageDescriptor struct {
	ID     MessageID `json:"id"`
	Name   string    `json:"name"`
	Length int32     `json:"length"`
}

// IsVariable reports whether the payload size travels on the wire.
func (d *MessageDescriptor) IsVariable() bool {
	return d.Length < 0
}

func (d *MessageDescriptor) String() string {
	if d.IsVariable() {
		return fmt.Sprintf("%s(%d, variable)", d.Name, d.ID)
	}
	return fmt.Sprintf("%s(%d, %d bytes)", d.Name, d.ID, d.Length)
}

// Registry maps message ids and names to descriptors.
type Registry struct {
	mu     sync.RWMutex
	byID   map[MessageID]*MessageDescriptor
	byName map[string]*MessageDescriptor
}

// NewRegistry creates a registry holding the given descriptors.
func NewRegistry(descs ...MessageDescriptor) (*Registry, error) {
	r := &Registry{
		byID:   make(map[MessageID]*MessageDescriptor),
		byName: make(map[string]*MessageDescriptor),
	}
	for _, d := range descs {
		if _, err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor and returns the stored copy.
func (r *Registry) Register(d MessageDescriptor) (*MessageDescriptor, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("message %d has no name", d.ID)
	}
	if d.Length < VariableLength {
		return nil, fmt.Errorf("message %s has invalid length %d", d.Name, d.Length)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[d.ID]; ok {
		return nil, fmt.Errorf("message id %d already registered as %s", d.ID, existing.Name)
	}
	if existing, ok := r.byName[d.Name]; ok {
		return nil, fmt.Errorf("message name %s already registered with id %d", d.Name, existing.ID)
	}

	stored := d
	r.byID[d.ID] = &stored
	r.byName[d.Name] = &stored
	return &stored, nil
}

// Lookup returns the descriptor for an id.
func (r *Registry) Lookup(id MessageID) (*MessageDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// ByName returns the descriptor registered under name.
func (r *Registry) ByName(name string) (*MessageDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns a copy of every descriptor ordered by id.
func (r *Registry) All() []MessageDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MessageDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered descriptors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
