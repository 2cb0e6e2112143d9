package dnn

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle wraps a native, explicitly-lifetime-managed configuration object
// such as a convolution descriptor. It is reference counted: executions that
// outlive a single call retain it, and the registered release function runs
// exactly once, when the last reference is dropped.
type Handle struct {
	ctype   string
	version int // backend version the handle was materialized under
	payload any // the opaque native object
	free    func()

	refs     atomic.Int32
	released atomic.Bool
}

// NewHandle wraps a freshly materialized native object. The caller holds the
// initial reference.
func NewHandle(ctype string, version int, payload any, free func()) *Handle {
	h := &Handle{ctype: ctype, version: version, payload: payload, free: free}
	h.refs.Store(1)
	return h
}

// CType returns the native type name the handle wraps.
func (h *Handle) CType() string { return h.ctype }

// Version returns the backend version the handle was built under. A handle
// must never be reused under a different version.
func (h *Handle) Version() int { return h.version }

// Payload returns the materialized native object.
func (h *Handle) Payload() any {
	if h.released.Load() {
		panic(fmt.Sprintf("dnn: use of released %s handle", h.ctype))
	}
	return h.payload
}

// Retain adds a reference for an execution that will outlive the current
// call.
func (h *Handle) Retain() *Handle {
	if h.released.Load() {
		panic(fmt.Sprintf("dnn: retain of released %s handle", h.ctype))
	}
	h.refs.Add(1)
	return h
}

// Release drops one reference. The native release function runs when the
// count reaches zero, and only then; releasing more often than retaining is
// a bug and panics.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("dnn: over-release of %s handle", h.ctype))
	}
	if h.released.CompareAndSwap(false, true) {
		if h.free != nil {
			h.free()
		}
	}
}

// Released reports whether the native object has been destroyed.
func (h *Handle) Released() bool { return h.released.Load() }

// HandleCache caches materialized handles per execution context, keyed by
// the descriptor operator's identity. The detected backend version is the
// invalidation key: a version change releases every cached handle before any
// new one is built.
type HandleCache struct {
	mu      sync.Mutex
	version int
	entries map[string]*Handle
}

// NewHandleCache creates a cache bound to the given backend version.
func NewHandleCache(version int) *HandleCache {
	return &HandleCache{version: version, entries: make(map[string]*Handle)}
}

// Get returns the cached handle for key, building and caching it on a miss.
// The returned handle is retained for the caller, who must Release it. When
// version differs from the cache's, the whole cache is invalidated first.
func (c *HandleCache) Get(key string, version int, build func() (*Handle, error)) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		c.clearLocked()
		c.version = version
	}
	if h, ok := c.entries[key]; ok {
		return h.Retain(), nil
	}
	h, err := build()
	if err != nil {
		return nil, err
	}
	if h.version != version {
		h.Release()
		return nil, fmt.Errorf("dnn: handle built under version %d, cache expects %d", h.version, version)
	}
	c.entries[key] = h
	return h.Retain(), nil
}

// Clear releases every cached handle.
func (c *HandleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *HandleCache) clearLocked() {
	for k, h := range c.entries {
		h.Release()
		delete(c.entries, k)
	}
}
