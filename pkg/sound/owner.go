package sound

import (
	"sync"

	"github.com/google/uuid"
)

// Owner is the requester a music clip is bound to. A bound clip stays loaded
// until the owner binds another clip, releases it explicitly, or is closed.
//
// The zero value is not usable; create owners with [NewOwner].
type Owner struct {
	id string

	mu     sync.Mutex
	bound  *Clip
	closed bool
}

// NewOwner returns an owner with the given id. An empty id gets a random one.
func NewOwner(id string) *Owner {
	if id == "" {
		id = uuid.NewString()
	}
	return &Owner{id: id}
}

// ID returns the owner identifier.
func (o *Owner) ID() string { return o.id }

// Bind retains c and releases the previously bound clip. Binding the clip that
// is already bound is a no-op. Binds on a closed owner are ignored and report
// false.
func (o *Owner) Bind(c *Clip) bool {
	if c == nil {
		return false
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.bound == c {
		o.mu.Unlock()
		return true
	}
	prev := o.bound
	o.bound = c.Retain()
	o.mu.Unlock()

	prev.Release()
	return true
}

// Bound returns the currently bound clip, if any.
func (o *Owner) Bound() *Clip {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bound
}

// Release drops the bound clip without closing the owner.
func (o *Owner) Release() {
	o.mu.Lock()
	prev := o.bound
	o.bound = nil
	o.mu.Unlock()
	prev.Release()
}

// Close releases the bound clip and marks the owner as destroyed.
func (o *Owner) Close() {
	o.mu.Lock()
	o.closed = true
	prev := o.bound
	o.bound = nil
	o.mu.Unlock()
	prev.Release()
}

// Closed reports whether [Owner.Close] has been called.
func (o *Owner) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
