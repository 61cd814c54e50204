// Package tpmutil defines the hardware key backend contract. Private
// keys managed by the backend are sealed into opaque blobs; their
// plaintext form exists only inside the backend. Calls are synchronous
// and may be slow; a failed call is terminal for the operation step
// that issued it.
package tpmutil

import (
	"github.com/pkg/errors"
)

// TPMUtility is the hardware key backend used by the session engine for
// key generation, wrapping, loading and private-key operations.
type TPMUtility interface {
	// IsAvailable reports whether a hardware backend is present.
	IsAvailable() bool

	// MinRSAKeyBits returns the smallest modulus the backend supports.
	MinRSAKeyBits() int

	// MaxRSAKeyBits returns the largest modulus the backend supports.
	MaxRSAKeyBits() int

	// GenerateKey creates an RSA key inside the backend and returns the
	// sealed blob and a transient handle to the loaded key.
	GenerateKey(slot int, modulusBits int, publicExponent, authData []byte) (blob []byte, handle int, err error)

	// WrapKey seals an externally generated RSA private key, identified
	// by its public exponent, modulus and one prime factor.
	WrapKey(slot int, publicExponent, modulus, prime, authData []byte) (blob []byte, handle int, err error)

	// LoadKey loads a sealed key and returns its handle.
	LoadKey(slot int, blob, authData []byte) (handle int, err error)

	// LoadKeyWithParent loads a sealed key under the given parent key.
	LoadKeyWithParent(slot int, blob, authData []byte, parentHandle int) (handle int, err error)

	// GetPublicKey returns the public exponent and modulus of a loaded
	// key as big-endian byte strings.
	GetPublicKey(handle int) (publicExponent, modulus []byte, err error)

	// Sign performs the raw private-key transform with PKCS#1 v1.5
	// type 1 padding over data. The caller supplies any DigestInfo
	// prefix.
	Sign(handle int, data []byte) (signature []byte, err error)

	// Unbind decrypts data that was encrypted to the key's public half
	// with PKCS#1 v1.5 type 2 padding.
	Unbind(handle int, ciphertext []byte) (plaintext []byte, err error)
}

// NotAvailable is a TPMUtility for tokens without hardware backing.
// IsAvailable returns false and every key operation fails.
type NotAvailable struct{}

// IsAvailable returns false.
func (NotAvailable) IsAvailable() bool { return false }

// MinRSAKeyBits returns 0.
func (NotAvailable) MinRSAKeyBits() int { return 0 }

// MaxRSAKeyBits returns 0.
func (NotAvailable) MaxRSAKeyBits() int { return 0 }

var errNotAvailable = errors.New("tpmutil: hardware backend not available")

// GenerateKey fails.
func (NotAvailable) GenerateKey(int, int, []byte, []byte) ([]byte, int, error) {
	return nil, 0, errNotAvailable
}

// WrapKey fails.
func (NotAvailable) WrapKey(int, []byte, []byte, []byte, []byte) ([]byte, int, error) {
	return nil, 0, errNotAvailable
}

// LoadKey fails.
func (NotAvailable) LoadKey(int, []byte, []byte) (int, error) {
	return 0, errNotAvailable
}

// LoadKeyWithParent fails.
func (NotAvailable) LoadKeyWithParent(int, []byte, []byte, int) (int, error) {
	return 0, errNotAvailable
}

// GetPublicKey fails.
func (NotAvailable) GetPublicKey(int) ([]byte, []byte, error) {
	return nil, nil, errNotAvailable
}

// Sign fails.
func (NotAvailable) Sign(int, []byte) ([]byte, error) {
	return nil, errNotAvailable
}

// Unbind fails.
func (NotAvailable) Unbind(int, []byte) ([]byte, error) {
	return nil, errNotAvailable
}
