// Package softtpm implements the tpmutil.TPMUtility contract in
// software. Private keys are sealed with AES-256-GCM under a key
// derived from a root secret; the authorization secret binds the blob
// as additional authenticated data. It serves tokens without a real
// TPM and the engine's hardware-path tests.
package softtpm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/hkdf"

	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/x/rsagen"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "softtpm")

// RSA modulus range supported by the backend.
const (
	MinRSAKeyBits = 512
	MaxRSAKeyBits = 2048
)

var one = big.NewInt(1)

// SoftTPM is a software-sealed key backend.
type SoftTPM struct {
	mu     sync.Mutex
	gcm    cipher.AEAD
	keys   map[int]*rsa.PrivateKey
	nextID int
}

// New returns a backend whose sealing key is derived from the given
// root secret with HKDF-SHA256.
func New(rootSecret []byte) (*SoftTPM, error) {
	if len(rootSecret) == 0 {
		return nil, errors.Errorf("root secret is required")
	}
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte("xtoken-softtpm-seal"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.WithStack(err)
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &SoftTPM{
		gcm:  gcm,
		keys: make(map[int]*rsa.PrivateKey),
	}, nil
}

// IsAvailable returns true.
func (t *SoftTPM) IsAvailable() bool { return true }

// MinRSAKeyBits returns the smallest supported modulus.
func (t *SoftTPM) MinRSAKeyBits() int { return MinRSAKeyBits }

// MaxRSAKeyBits returns the largest supported modulus.
func (t *SoftTPM) MaxRSAKeyBits() int { return MaxRSAKeyBits }

// GenerateKey creates an RSA key, seals it and loads it.
func (t *SoftTPM) GenerateKey(slot int, modulusBits int, publicExponent, authData []byte) ([]byte, int, error) {
	defer metricskey.PerfHardwareOperation.MeasureSince(time.Now(), "generate")
	if modulusBits < MinRSAKeyBits || modulusBits > MaxRSAKeyBits {
		return nil, 0, errors.Errorf("unsupported modulus: %d bits", modulusBits)
	}
	key, err := rsagen.GenerateKeyPair(modulusBits, new(big.Int).SetBytes(publicExponent))
	if err != nil {
		return nil, 0, errors.WithMessage(err, "generate")
	}
	blob, err := t.seal(key, authData)
	if err != nil {
		return nil, 0, err
	}
	handle := t.load(key)
	logger.Debugf("op=generate, slot=%d, bits=%d, handle=%d", slot, modulusBits, handle)
	return blob, handle, nil
}

// WrapKey reconstructs the private key from its public exponent,
// modulus and one prime factor, then seals and loads it.
func (t *SoftTPM) WrapKey(slot int, publicExponent, modulus, prime, authData []byte) ([]byte, int, error) {
	e := new(big.Int).SetBytes(publicExponent)
	n := new(big.Int).SetBytes(modulus)
	p := new(big.Int).SetBytes(prime)
	if e.Sign() == 0 || n.Sign() == 0 || p.Sign() == 0 {
		return nil, 0, errors.Errorf("incomplete key material")
	}

	q, rem := new(big.Int).QuoRem(n, p, new(big.Int))
	if rem.Sign() != 0 {
		return nil, 0, errors.Errorf("prime does not divide modulus")
	}
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
	d := new(big.Int).ModInverse(e, phi)
	if d == nil {
		return nil, 0, errors.Errorf("exponent not invertible")
	}

	if !e.IsInt64() {
		return nil, 0, errors.Errorf("public exponent too large")
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: n,
			E: int(e.Int64()),
		},
		D:      d,
		Primes: []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, 0, errors.WithMessage(err, "reconstructed key is invalid")
	}

	blob, err := t.seal(key, authData)
	if err != nil {
		return nil, 0, err
	}
	handle := t.load(key)
	logger.Debugf("op=wrap, slot=%d, bits=%d, handle=%d", slot, n.BitLen(), handle)
	return blob, handle, nil
}

// LoadKey unseals a blob and returns a handle to the loaded key.
func (t *SoftTPM) LoadKey(slot int, blob, authData []byte) (int, error) {
	key, err := t.unseal(blob, authData)
	if err != nil {
		return 0, err
	}
	return t.load(key), nil
}

// LoadKeyWithParent unseals a blob under the given parent key. The
// parent must already be loaded.
func (t *SoftTPM) LoadKeyWithParent(slot int, blob, authData []byte, parentHandle int) (int, error) {
	t.mu.Lock()
	_, ok := t.keys[parentHandle]
	t.mu.Unlock()
	if !ok {
		return 0, errors.Errorf("parent key not loaded: %d", parentHandle)
	}
	return t.LoadKey(slot, blob, authData)
}

// GetPublicKey returns the public exponent and modulus of a loaded key.
func (t *SoftTPM) GetPublicKey(handle int) ([]byte, []byte, error) {
	key, err := t.get(handle)
	if err != nil {
		return nil, nil, err
	}
	return big.NewInt(int64(key.E)).Bytes(), key.N.Bytes(), nil
}

// Sign performs the private-key transform with PKCS#1 v1.5 type 1
// padding over data.
func (t *SoftTPM) Sign(handle int, data []byte) ([]byte, error) {
	defer metricskey.PerfHardwareOperation.MeasureSince(time.Now(), "sign")
	key, err := t.get(handle)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return sig, nil
}

// Unbind decrypts ciphertext with PKCS#1 v1.5 type 2 padding.
func (t *SoftTPM) Unbind(handle int, ciphertext []byte) ([]byte, error) {
	defer metricskey.PerfHardwareOperation.MeasureSince(time.Now(), "unbind")
	key, err := t.get(handle)
	if err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return plain, nil
}

func (t *SoftTPM) load(key *rsa.PrivateKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.keys[t.nextID] = key
	return t.nextID
}

func (t *SoftTPM) get(handle int) (*rsa.PrivateKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.keys[handle]
	if !ok {
		return nil, errors.Errorf("key not loaded: %d", handle)
	}
	return key, nil
}

func (t *SoftTPM) seal(key *rsa.PrivateKey, authData []byte) ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(key)
	nonce := make([]byte, t.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	blob := t.gcm.Seal(nonce, nonce, der, authData)
	return blob, nil
}

func (t *SoftTPM) unseal(blob, authData []byte) (*rsa.PrivateKey, error) {
	if len(blob) < t.gcm.NonceSize() {
		return nil, errors.Errorf("invalid blob")
	}
	nonce := blob[:t.gcm.NonceSize()]
	der, err := t.gcm.Open(nil, nonce, blob[t.gcm.NonceSize():], authData)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unseal")
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return key, nil
}
