package session

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/effective-security/xtoken/mechanism"
	"github.com/effective-security/xtoken/store"
)

var defaultPublicExponent = []byte{0x01, 0x00, 0x01}

func rsaPublicKeyFromObject(key store.Object) (*rsa.PublicKey, error) {
	e := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT))
	n := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_MODULUS))
	if e.Sign() == 0 || n.Sign() == 0 || !e.IsInt64() {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func rsaPrivateKeyFromObject(key store.Object) (*rsa.PrivateKey, error) {
	n := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_MODULUS))
	d := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_PRIVATE_EXPONENT))
	if n.Sign() == 0 || d.Sign() == 0 {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	eBytes := key.GetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT)
	if len(eBytes) == 0 {
		eBytes = defaultPublicExponent
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
	}
	p := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_PRIME_1))
	q := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_PRIME_2))
	if p.Sign() > 0 && q.Sign() > 0 {
		priv.Primes = []*big.Int{p, q}
		priv.Precompute()
	}
	return priv, nil
}

// isWrappedKey reports whether the key's private material lives in a
// hardware-sealed blob rather than in plaintext attributes.
func isWrappedKey(key store.Object) bool {
	return key.IsTokenObject() && key.IsAttributePresent(store.KeyBlobAttribute)
}

func (s *Session) rsaEncrypt(context *operationContext) error {
	pub, err := rsaPublicKeyFromObject(context.key)
	if err != nil {
		return err
	}
	// Adds PKCS #1 type 2 padding.
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, context.data)
	if err != nil {
		logger.Errorf("reason=rsa_encrypt, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	context.data = out
	return nil
}

func (s *Session) rsaDecrypt(context *operationContext) error {
	if isWrappedKey(context.key) {
		handle, err := s.getTPMKeyHandle(context.key)
		if err != nil {
			return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		out, err := s.tpm.Unbind(handle, context.data)
		if err != nil {
			logger.Errorf("reason=unbind, err=[%v]", err)
			return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		context.data = out
		return nil
	}
	priv, err := rsaPrivateKeyFromObject(context.key)
	if err != nil {
		return err
	}
	// Strips PKCS #1 type 2 padding.
	out, err := rsa.DecryptPKCS1v15(rand.Reader, priv, context.data)
	if err != nil {
		logger.Errorf("reason=rsa_decrypt, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	context.data = out
	return nil
}

// concat joins the DigestInfo prefix and digest without aliasing
// either input.
func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func (s *Session) rsaSign(context *operationContext) error {
	dataToSign := concat(mechanism.DigestInfoPrefix(context.mech), context.data)
	if isWrappedKey(context.key) {
		handle, err := s.getTPMKeyHandle(context.key)
		if err != nil {
			return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		sig, err := s.tpm.Sign(handle, dataToSign)
		if err != nil {
			logger.Errorf("reason=tpm_sign, err=[%v]", err)
			return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		context.data = sig
		return nil
	}
	priv, err := rsaPrivateKeyFromObject(context.key)
	if err != nil {
		return err
	}
	// Adds PKCS #1 type 1 padding over DigestInfo+digest.
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, 0, dataToSign)
	if err != nil {
		logger.Errorf("reason=rsa_sign, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	context.data = sig
	return nil
}

func (s *Session) rsaVerify(context *operationContext, digest, signature []byte) error {
	if len(signature) != len(context.key.GetAttributeBytes(pkcs11.CKA_MODULUS)) {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
	}
	pub, err := rsaPublicKeyFromObject(context.key)
	if err != nil {
		return err
	}
	signedData := concat(mechanism.DigestInfoPrefix(context.mech), digest)
	// Public-decrypts with PKCS #1 type 1 padding and compares the
	// recovered DigestInfo.
	if err := rsa.VerifyPKCS1v15(pub, 0, signedData, signature); err != nil {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
	}
	return nil
}
