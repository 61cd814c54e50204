package mempool

import (
	"bytes"
	"sync"

	"github.com/effective-security/xtoken/store"
)

// Pool is an in-memory object pool. It is safe for use by concurrent
// sessions.
type Pool struct {
	mu      sync.RWMutex
	hg      store.HandleGenerator
	objects map[int]*Object
	blobs   map[string][]byte
}

// NewPool returns an empty pool issuing handles from hg.
func NewPool(hg store.HandleGenerator) *Pool {
	return &Pool{
		hg:      hg,
		objects: make(map[int]*Object),
		blobs:   make(map[string][]byte),
	}
}

// Insert adds the object and assigns its handle.
func (p *Pool) Insert(obj store.Object) store.Result {
	mo, ok := obj.(*Object)
	if !ok {
		return store.Failure
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if mo.handle == 0 {
		mo.handle = p.hg.NextHandle()
	} else if _, exists := p.objects[mo.handle]; exists {
		return store.Failure
	}
	p.objects[mo.handle] = mo
	return store.Success
}

// Delete removes the object.
func (p *Pool) Delete(obj store.Object) store.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[obj.Handle()]; !ok {
		return store.Failure
	}
	delete(p.objects, obj.Handle())
	return store.Success
}

// Find returns all objects matching the template's attributes.
func (p *Pool) Find(template store.Object) ([]store.Object, store.Result) {
	tmpl, ok := template.(*Object)
	if !ok {
		return nil, store.Failure
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var found []store.Object
	for _, obj := range p.objects {
		if obj.matches(tmpl) {
			found = append(found, obj)
		}
	}
	return found, store.Success
}

// FindByHandle returns the object with the given handle.
func (p *Pool) FindByHandle(handle int) (store.Object, store.Result) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[handle]
	if !ok {
		return nil, store.Failure
	}
	return obj, store.Success
}

// GetModifiableObject returns a mutable view of the object. In-memory
// objects are mutated in place.
func (p *Pool) GetModifiableObject(obj store.Object) store.Object {
	return obj
}

// Flush persists a modified object. A no-op for memory pools.
func (p *Pool) Flush(obj store.Object) store.Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.objects[obj.Handle()]; !ok {
		return store.Failure
	}
	return store.Success
}

// GetInternalBlob reads a named blob private to the pool.
func (p *Pool) GetInternalBlob(name string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	blob, ok := p.blobs[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(blob), true
}

// SetInternalBlob writes a named blob private to the pool.
func (p *Pool) SetInternalBlob(name string, blob []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[name] = bytes.Clone(blob)
	return true
}

// IsPrivateLoaded reports whether private objects are available. Memory
// pools are always fully loaded.
func (p *Pool) IsPrivateLoaded() bool {
	return true
}
