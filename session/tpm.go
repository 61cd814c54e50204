package session

import (
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/xtoken/store"
)

// crtAttributes are the private-key components stripped from an object
// once its key material is sealed by the hardware backend.
var crtAttributes = []uint{
	pkcs11.CKA_PRIVATE_EXPONENT,
	pkcs11.CKA_PRIME_1,
	pkcs11.CKA_PRIME_2,
	pkcs11.CKA_EXPONENT_1,
	pkcs11.CKA_EXPONENT_2,
	pkcs11.CKA_COEFFICIENT,
}

// WrapPrivateKey seals an RSA private key object into the hardware
// backend, replacing its plaintext private components with the sealed
// blob. Objects that are not eligible pass through unchanged.
func (s *Session) WrapPrivateKey(obj store.Object) error {
	if !s.tpm.IsAvailable() ||
		obj.Class() != pkcs11.CKO_PRIVATE_KEY ||
		obj.GetAttributeUint(pkcs11.CKA_KEY_TYPE, ^uint(0)) != pkcs11.CKK_RSA ||
		obj.IsAttributePresent(store.KeyBlobAttribute) {
		// Not eligible for wrapping.
		return nil
	}
	publicExponent := obj.GetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT)
	modulus := obj.GetAttributeBytes(pkcs11.CKA_MODULUS)
	prime := obj.GetAttributeBytes(pkcs11.CKA_PRIME_1)
	if len(prime) == 0 {
		prime = obj.GetAttributeBytes(pkcs11.CKA_PRIME_2)
	}
	if len(publicExponent) == 0 || len(modulus) == 0 || len(prime) == 0 {
		logger.Errorf("reason=attribute_missing_for_wrap, handle=%d", obj.Handle())
		return pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	bits := len(modulus) * 8
	if bits < s.tpm.MinRSAKeyBits() || bits > s.tpm.MaxRSAKeyBits() {
		// The backend cannot hold this key; it stays software-backed.
		logger.Warningf("reason=key_size_not_wrappable, bits=%d", bits)
		return nil
	}
	authData, err := generateRandom(defaultAuthDataBytes)
	if err != nil {
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	blob, _, err := s.tpm.WrapKey(s.slotID, publicExponent, modulus, prime, authData)
	if err != nil {
		logger.Errorf("reason=wrap_key, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	obj.SetAttributeBytes(store.KeyBlobAttribute, blob)
	obj.SetAttributeBytes(store.AuthDataAttribute, authData)
	for _, typ := range crtAttributes {
		obj.RemoveAttribute(typ)
	}
	return nil
}

// getTPMKeyHandle returns a loaded hardware handle for a wrapped key,
// loading it on first use and caching it for the session's lifetime.
func (s *Session) getTPMKeyHandle(key store.Object) (int, error) {
	if handle, ok := s.tpmHandles[key.Handle()]; ok {
		return handle, nil
	}
	if key.Class() != pkcs11.CKO_PRIVATE_KEY {
		return 0, errors.Errorf("not a private key: handle=%d", key.Handle())
	}
	blob := key.GetAttributeBytes(store.KeyBlobAttribute)
	authData := key.GetAttributeBytes(store.AuthDataAttribute)

	var handle int
	var err error
	if key.GetAttributeBool(store.LegacyAttribute, false) {
		// Legacy keys are children of the migrated root key pair.
		if err = s.loadLegacyRootKeys(); err != nil {
			return 0, err
		}
		parent := s.publicRootKey
		if key.GetAttributeBool(pkcs11.CKA_PRIVATE, true) {
			parent = s.privateRootKey
		}
		handle, err = s.tpm.LoadKeyWithParent(s.slotID, blob, authData, parent)
	} else {
		handle, err = s.tpm.LoadKey(s.slotID, blob, authData)
	}
	if err != nil {
		logger.Errorf("reason=load_key, handle=%d, err=[%v]", key.Handle(), err)
		return 0, errors.WithMessage(err, "load wrapped key")
	}
	s.tpmHandles[key.Handle()] = handle
	return handle, nil
}

// loadLegacyRootKeys loads the legacy root key pair from the token
// pool's internal blobs. Idempotent per session.
func (s *Session) loadLegacyRootKeys() error {
	if s.legacyLoaded {
		return nil
	}
	privBlob, ok := s.tokenPool.GetInternalBlob(store.LegacyPrivateRootKeyBlob)
	if !ok {
		return errors.Errorf("legacy root key blob missing: %s", store.LegacyPrivateRootKeyBlob)
	}
	pubBlob, ok := s.tokenPool.GetInternalBlob(store.LegacyPublicRootKeyBlob)
	if !ok {
		return errors.Errorf("legacy root key blob missing: %s", store.LegacyPublicRootKeyBlob)
	}
	// Root keys carry no authorization data.
	privHandle, err := s.tpm.LoadKey(s.slotID, privBlob, nil)
	if err != nil {
		logger.Errorf("reason=load_legacy_private_root, err=[%v]", err)
		return errors.WithMessage(err, "load legacy private root key")
	}
	pubHandle, err := s.tpm.LoadKey(s.slotID, pubBlob, nil)
	if err != nil {
		logger.Errorf("reason=load_legacy_public_root, err=[%v]", err)
		return errors.WithMessage(err, "load legacy public root key")
	}
	s.privateRootKey = privHandle
	s.publicRootKey = pubHandle
	s.legacyLoaded = true
	return nil
}
