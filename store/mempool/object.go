// Package mempool provides map-backed implementations of the store
// contracts. It backs every session-private pool and serves as the
// token pool for provisioning and tests.
package mempool

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/jinzhu/copier"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/xtoken/store"
)

// Object is an in-memory attribute container.
type Object struct {
	handle int
	attrs  map[uint][]byte
}

// NewObject returns an empty object with no handle assigned.
func NewObject() *Object {
	return &Object{
		attrs: make(map[uint][]byte),
	}
}

// Handle returns the object's handle, 0 before insertion.
func (o *Object) Handle() int {
	return o.handle
}

// Class returns CKA_CLASS.
func (o *Object) Class() uint {
	return o.GetAttributeUint(pkcs11.CKA_CLASS, 0)
}

// IsTokenObject returns CKA_TOKEN.
func (o *Object) IsTokenObject() bool {
	return o.GetAttributeBool(pkcs11.CKA_TOKEN, false)
}

// IsPrivate returns CKA_PRIVATE. Keys default to private.
func (o *Object) IsPrivate() bool {
	switch o.Class() {
	case pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_SECRET_KEY:
		return o.GetAttributeBool(pkcs11.CKA_PRIVATE, true)
	}
	return o.GetAttributeBool(pkcs11.CKA_PRIVATE, false)
}

// IsAttributePresent returns true if the attribute is set.
func (o *Object) IsAttributePresent(typ uint) bool {
	_, ok := o.attrs[typ]
	return ok
}

// GetAttributeBytes returns the raw attribute value, nil if absent.
func (o *Object) GetAttributeBytes(typ uint) []byte {
	return o.attrs[typ]
}

// GetAttributeBool decodes a boolean attribute.
func (o *Object) GetAttributeBool(typ uint, defaultValue bool) bool {
	v, ok := o.attrs[typ]
	if !ok || len(v) == 0 {
		return defaultValue
	}
	return v[0] != 0
}

// GetAttributeUint decodes an integer attribute. Values are stored as
// CK_ULONG in host byte order, the encoding pkcs11.NewAttribute uses.
func (o *Object) GetAttributeUint(typ uint, defaultValue uint) uint {
	v, ok := o.attrs[typ]
	if !ok || len(v) == 0 {
		return defaultValue
	}
	var u uint64
	for i := len(v) - 1; i >= 0; i-- {
		u = u<<8 | uint64(v[i])
	}
	return uint(u)
}

// SetAttributeBytes stores a copy of the raw value.
func (o *Object) SetAttributeBytes(typ uint, value []byte) {
	o.attrs[typ] = bytes.Clone(value)
}

// SetAttributeBool stores a boolean attribute.
func (o *Object) SetAttributeBool(typ uint, value bool) {
	b := byte(0)
	if value {
		b = 1
	}
	o.attrs[typ] = []byte{b}
}

// SetAttributeUint stores an integer attribute as CK_ULONG.
func (o *Object) SetAttributeUint(typ uint, value uint) {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, uint64(value))
	o.attrs[typ] = v
}

// RemoveAttribute deletes an attribute.
func (o *Object) RemoveAttribute(typ uint) {
	delete(o.attrs, typ)
}

// SetAttributes applies a caller-supplied template.
func (o *Object) SetAttributes(attrs []*pkcs11.Attribute) error {
	for _, a := range attrs {
		if a == nil {
			return errors.Errorf("nil attribute in template")
		}
		o.attrs[a.Type] = bytes.Clone(a.Value)
	}
	return nil
}

// Copy replaces this object's attributes with a deep copy of the
// source object's attributes. The handle is not copied.
func (o *Object) Copy(src store.Object) error {
	from, ok := src.(*Object)
	if !ok {
		return errors.Errorf("unsupported object type: %T", src)
	}
	attrs := make(map[uint][]byte, len(from.attrs))
	err := copier.CopyWithOption(&attrs, from.attrs, copier.Option{DeepCopy: true})
	if err != nil {
		return errors.WithMessage(err, "failed to copy attributes")
	}
	o.attrs = attrs
	return nil
}

// FinalizeNewObject validates a newly built object before insertion.
func (o *Object) FinalizeNewObject() error {
	if !o.IsAttributePresent(pkcs11.CKA_CLASS) {
		return pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	return nil
}

// matches returns true if every attribute present on the template is
// present with an equal value on this object.
func (o *Object) matches(template *Object) bool {
	for typ, want := range template.attrs {
		have, ok := o.attrs[typ]
		if !ok || !bytes.Equal(have, want) {
			return false
		}
	}
	return true
}

// HandleGenerator issues process-unique object handles.
type HandleGenerator struct {
	last int64
}

// NewHandleGenerator returns a generator starting at 1.
func NewHandleGenerator() *HandleGenerator {
	return &HandleGenerator{}
}

// NextHandle returns the next unused handle.
func (g *HandleGenerator) NextHandle() int {
	return int(atomic.AddInt64(&g.last, 1))
}

// Factory creates in-memory objects and pools.
type Factory struct{}

// NewFactory returns a factory for in-memory objects and pools.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateObject returns a new empty object.
func (f *Factory) CreateObject() store.Object {
	return NewObject()
}

// CreateObjectPool returns a new empty pool using the given handle
// generator.
func (f *Factory) CreateObjectPool(hg store.HandleGenerator) store.Pool {
	return NewPool(hg)
}
