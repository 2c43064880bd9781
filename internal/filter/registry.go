// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync"

	"grimm.is/ptables/internal/errors"
)

// DefaultMaxInstances bounds how many adapters can be attached at once.
const DefaultMaxInstances = 64

// Registry is the ordered collection of attached filter instances and their
// sole owner. The guard protects O(1) membership operations only; it is
// never held across classification or forwarding.
type Registry struct {
	mu        sync.Mutex
	byID      map[InstanceID]*Instance
	byAdapter map[string]InstanceID
	order     []InstanceID
	nextID    InstanceID
	max       int
}

// NewRegistry creates an empty registry holding at most max instances.
// max <= 0 selects DefaultMaxInstances.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxInstances
	}
	return &Registry{
		byID:      make(map[InstanceID]*Instance),
		byAdapter: make(map[string]InstanceID),
		max:       max,
	}
}

// Register inserts an instance, preserving insertion order, and assigns its
// ID. A full registry or a duplicate adapter is a resource failure; nothing
// is left behind on error.
func (r *Registry) Register(inst *Instance) (InstanceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.max {
		return 0, errors.Errorf(errors.KindResource,
			"instance table full (%d attached)", len(r.byID))
	}
	if _, dup := r.byAdapter[inst.adapter]; dup {
		return 0, errors.Errorf(errors.KindResource,
			"adapter %q already attached", inst.adapter)
	}

	r.nextID++
	id := r.nextID
	inst.id = id
	r.byID[id] = inst
	r.byAdapter[inst.adapter] = id
	r.order = append(r.order, id)
	return id, nil
}

// Unregister removes an instance. The caller guarantees both pending
// counters are zero; that is checked here anyway because violating it means
// freeing state a packet still references.
func (r *Registry) Unregister(id InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return errors.Errorf(errors.KindState, "unknown instance %d", id)
	}
	if inst.pendingTotal() != 0 {
		return errors.Errorf(errors.KindState,
			"instance %d has %d packets outstanding", id, inst.pendingTotal())
	}

	delete(r.byID, id)
	delete(r.byAdapter, inst.adapter)
	for idx, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	return nil
}

// Get returns the instance for id. The pointer stays valid only while the
// instance's pending counters keep it alive; callers must not cache it.
func (r *Registry) Get(id InstanceID) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// Lookup returns the instance attached to the named adapter.
func (r *Registry) Lookup(adapter string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAdapter[adapter]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// ForEach visits instances in insertion order. Control path only; the
// visitor must not block and must not re-enter the registry.
func (r *Registry) ForEach(visit func(*Instance)) {
	r.mu.Lock()
	insts := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		insts = append(insts, r.byID[id])
	}
	r.mu.Unlock()

	for _, inst := range insts {
		visit(inst)
	}
}

// Len returns the number of attached instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
