// Package store defines the contracts between the session engine and
// the object storage layer: attribute-bearing objects, the two object
// pools (persistent token pool and session-private pool), the object
// factory, and the three-way pool result. The engine never owns token
// objects; it references them through these interfaces.
package store

import (
	"github.com/miekg/pkcs11"
)

// Result is the three-way outcome of a pool operation.
type Result int

// Pool operation results.
const (
	Success Result = iota
	Failure
	WaitForPrivateObjects
)

// WouldBlockForPrivateObjects is the vendor return code reported when a
// pool operation must wait for private objects to become available.
const WouldBlockForPrivateObjects = pkcs11.CKR_VENDOR_DEFINED + 1

// Vendor attributes carried on hardware-wrapped private key objects.
const (
	// KeyBlobAttribute holds the opaque wrapped-key blob produced by
	// the hardware backend.
	KeyBlobAttribute = pkcs11.CKA_VENDOR_DEFINED + 1
	// AuthDataAttribute holds the authorization secret required to load
	// the wrapped key.
	AuthDataAttribute = pkcs11.CKA_VENDOR_DEFINED + 2
	// LegacyAttribute marks keys that must be loaded under the legacy
	// root key pair.
	LegacyAttribute = pkcs11.CKA_VENDOR_DEFINED + 3
)

// Internal blob names for the legacy root key pair stored in the token
// pool.
const (
	LegacyPrivateRootKeyBlob = "legacy_private_root_key"
	LegacyPublicRootKeyBlob  = "legacy_public_root_key"
)

// Object is an attribute container managed by a pool. Attribute values
// are raw byte strings; big integers are big-endian and unsigned.
type Object interface {
	// Handle returns the object's stable handle, or 0 before insertion.
	Handle() int

	// Class returns CKA_CLASS.
	Class() uint

	// IsTokenObject returns CKA_TOKEN, defaulting to false.
	IsTokenObject() bool

	// IsPrivate returns CKA_PRIVATE, defaulting to true for key classes.
	IsPrivate() bool

	IsAttributePresent(typ uint) bool
	GetAttributeBytes(typ uint) []byte
	GetAttributeBool(typ uint, defaultValue bool) bool
	GetAttributeUint(typ uint, defaultValue uint) uint

	SetAttributeBytes(typ uint, value []byte)
	SetAttributeBool(typ uint, value bool)
	SetAttributeUint(typ uint, value uint)
	RemoveAttribute(typ uint)

	// SetAttributes applies a caller-supplied template.
	SetAttributes(attrs []*pkcs11.Attribute) error

	// Copy replaces this object's attributes with a deep copy of the
	// source object's.
	Copy(src Object) error

	// FinalizeNewObject validates a newly built object before insertion.
	FinalizeNewObject() error
}

// Pool stores objects. Implementations are shared across sessions and
// synchronize internally.
type Pool interface {
	// Insert adds the object and assigns its handle.
	Insert(obj Object) Result
	Delete(obj Object) Result
	// Find appends handles of all objects matching the template's
	// attributes.
	Find(template Object) ([]Object, Result)
	FindByHandle(handle int) (Object, Result)
	// GetModifiableObject returns a mutable view of the object.
	GetModifiableObject(obj Object) Object
	// Flush persists a modified object.
	Flush(obj Object) Result
	// GetInternalBlob reads a named blob private to the pool.
	GetInternalBlob(name string) ([]byte, bool)
	// SetInternalBlob writes a named blob private to the pool.
	SetInternalBlob(name string, blob []byte) bool
	// IsPrivateLoaded reports whether private objects are available.
	IsPrivateLoaded() bool
}

// HandleGenerator issues unique object handles. A single generator is
// shared by the token pool and every session pool so handles never
// collide across pools.
type HandleGenerator interface {
	NextHandle() int
}

// Factory creates objects and session pools for the engine.
type Factory interface {
	CreateObject() Object
	CreateObjectPool(hg HandleGenerator) Pool
}

// RVError maps a pool result to a PKCS#11 error: nil on success, the
// supplied code on failure, and the vendor would-block code when
// private objects are not yet loaded.
func RVError(res Result, failCode uint) error {
	switch res {
	case Success:
		return nil
	case WaitForPrivateObjects:
		return pkcs11.Error(WouldBlockForPrivateObjects)
	}
	return pkcs11.Error(failCode)
}
