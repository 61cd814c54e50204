package session

import (
	"bytes"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effective-security/xtoken/mechanism"
	"github.com/effective-security/xtoken/store"
	"github.com/effective-security/xtoken/tpmutil"
)

func generateAESKey(t *testing.T, s *Session, size int) store.Object {
	t.Helper()
	handle, err := s.GenerateKey(pkcs11.CKM_AES_KEY_GEN, nil, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, size),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
	})
	require.NoError(t, err)
	key, ok := s.GetObject(handle)
	require.True(t, ok)
	return key
}

func generateHMACKey(t *testing.T, s *Session) store.Object {
	t.Helper()
	handle, err := s.GenerateKey(pkcs11.CKM_GENERIC_SECRET_KEY_GEN, nil, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	})
	require.NoError(t, err)
	key, ok := s.GetObject(handle)
	require.True(t, ok)
	return key
}

func generateRSAKeys(t *testing.T, s *Session, bits int) (publicKey, privateKey store.Object) {
	t.Helper()
	publicHandle, privateHandle, err := s.GenerateKeyPair(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil,
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
			pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		},
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		})
	require.NoError(t, err)
	publicKey, ok := s.GetObject(publicHandle)
	require.True(t, ok)
	privateKey, ok = s.GetObject(privateHandle)
	require.True(t, ok)
	return publicKey, privateKey
}

func generateECCKeys(t *testing.T, s *Session) (publicKey, privateKey store.Object) {
	t.Helper()
	params, err := marshalECParams(elliptic.P256())
	require.NoError(t, err)
	publicHandle, privateHandle, err := s.GenerateKeyPair(pkcs11.CKM_EC_KEY_PAIR_GEN, nil,
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		},
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		})
	require.NoError(t, err)
	publicKey, ok := s.GetObject(publicHandle)
	require.True(t, ok)
	privateKey, ok = s.GetObject(privateHandle)
	require.True(t, ok)
	return publicKey, privateKey
}

func TestOperationSequencing(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})

	// Update and Final require an open context.
	_, _, err := s.OperationUpdate(mechanism.Digest, []byte("x"), maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)
	_, _, err = s.OperationFinal(mechanism.Digest, maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)
	_, _, err = s.OperationSinglePart(mechanism.Digest, []byte("x"), maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)

	require.NoError(t, s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil))
	assert.True(t, s.IsOperationActive(mechanism.Digest))

	// A second Init on an open context fails and leaves it open.
	err = s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE), err)
	assert.True(t, s.IsOperationActive(mechanism.Digest))

	// Cancel releases the context so a new Init succeeds.
	s.OperationCancel(mechanism.Digest)
	assert.False(t, s.IsOperationActive(mechanism.Digest))
	require.NoError(t, s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil))
	s.OperationCancel(mechanism.Digest)

	// Cancel on an idle context is a no-op.
	s.OperationCancel(mechanism.Digest)

	// Distinct operation kinds have independent contexts.
	require.NoError(t, s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil))
	key := generateHMACKey(t, s)
	require.NoError(t, s.OperationInit(mechanism.Sign, pkcs11.CKM_SHA256_HMAC, nil, key))
	assert.True(t, s.IsOperationActive(mechanism.Digest))
	assert.True(t, s.IsOperationActive(mechanism.Sign))
	s.OperationCancel(mechanism.Digest)
	s.OperationCancel(mechanism.Sign)
}

func TestOperationInitValidation(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	aesKey := generateAESKey(t, s, 32)

	// Unsupported mechanism.
	err := s.OperationInit(mechanism.Encrypt, pkcs11.CKM_RSA_PKCS_OAEP, nil, aesKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID), err)

	// Mechanism not listed for the operation kind.
	err = s.OperationInit(mechanism.Sign, pkcs11.CKM_AES_CBC, nil, aesKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID), err)

	// Missing key for a keyed operation.
	err = s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC, make([]byte, 16), nil)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT), err)

	// Key type does not match the mechanism.
	err = s.OperationInit(mechanism.Encrypt, pkcs11.CKM_DES_CBC, make([]byte, 8), aesKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT), err)

	// Key lacks the usage attribute for the operation kind.
	hmacKey := generateHMACKey(t, s)
	err = s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC, make([]byte, 16), hmacKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT), err)

	handle, err := s.GenerateKey(pkcs11.CKM_AES_KEY_GEN, nil, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 16),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
	})
	require.NoError(t, err)
	noDecrypt, _ := s.GetObject(handle)
	err = s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC, make([]byte, 16), noDecrypt)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED), err)

	// Wrong IV length.
	err = s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC, make([]byte, 15), aesKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID), err)
	err = s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_ECB, make([]byte, 16), aesKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID), err)

	// RSA keys outside the supported modulus range are refused.
	smallHandle, err := s.CreateObject([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, make([]byte, 32)),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
	})
	require.NoError(t, err)
	smallKey, _ := s.GetObject(smallHandle)
	err = s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, smallKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE), err)
}

func TestDigest(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := sha256.Sum256(data)

	// Single part.
	require.NoError(t, s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil))
	out, needed, err := s.OperationSinglePart(mechanism.Digest, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, 32, needed)
	assert.Equal(t, want[:], out)
	assert.False(t, s.IsOperationActive(mechanism.Digest))

	// Incremental with uneven chunks produces the same digest.
	require.NoError(t, s.OperationInit(mechanism.Digest, pkcs11.CKM_SHA256, nil, nil))
	for _, chunk := range [][]byte{data[:7], data[7:8], data[8:]} {
		_, _, err := s.OperationUpdate(mechanism.Digest, chunk, maxOutUnlimited)
		require.NoError(t, err)
	}
	out, _, err = s.OperationFinal(mechanism.Digest, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, want[:], out)
}

func TestAESCBCPadRoundTrip(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(iv)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
		ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutUnlimited)
		require.NoError(t, err, "size %d", size)
		// Padding always rounds up to the next block.
		assert.Equal(t, (size/16+1)*16, len(ciphertext), "size %d", size)

		require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
		decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
		require.NoError(t, err, "size %d", size)
		if size == 0 {
			assert.Empty(t, decrypted)
		} else {
			assert.Equal(t, plaintext, decrypted, "size %d", size)
		}
	}
}

func TestAESCBCPadIncremental(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 16)
	iv := make([]byte, 16)
	plaintext := make([]byte, 100)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	var ciphertext []byte
	for _, chunk := range [][]byte{plaintext[:5], plaintext[5:37], plaintext[37:]} {
		out, _, err := s.OperationUpdate(mechanism.Encrypt, chunk, maxOutUnlimited)
		require.NoError(t, err)
		ciphertext = append(ciphertext, out...)
	}
	out, _, err := s.OperationFinal(mechanism.Encrypt, maxOutUnlimited)
	require.NoError(t, err)
	ciphertext = append(ciphertext, out...)
	assert.Equal(t, 112, len(ciphertext))

	// Incremental decrypt must match, including the retained final
	// block that holds the padding.
	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	var decrypted []byte
	for _, chunk := range [][]byte{ciphertext[:16], ciphertext[16:99], ciphertext[99:]} {
		out, _, err := s.OperationUpdate(mechanism.Decrypt, chunk, maxOutUnlimited)
		require.NoError(t, err)
		decrypted = append(decrypted, out...)
	}
	out, _, err = s.OperationFinal(mechanism.Decrypt, maxOutUnlimited)
	require.NoError(t, err)
	decrypted = append(decrypted, out...)
	assert.Equal(t, plaintext, decrypted)
}

func TestBlockCipherAlignment(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 16)
	iv := make([]byte, 16)

	// Unpadded CBC requires block-aligned input.
	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC, iv, key))
	_, _, err := s.OperationSinglePart(mechanism.Encrypt, make([]byte, 10), maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED), err)

	// Aligned input round trips.
	plaintext := make([]byte, 48)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)
	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC, iv, key))
	ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Len(t, ciphertext, 48)

	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC, iv, key))
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAESECBRoundTrip(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 24)
	plaintext := make([]byte, 32)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_ECB, nil, key))
	ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutUnlimited)
	require.NoError(t, err)

	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_ECB, nil, key))
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDESRoundTrip(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	for _, tc := range []struct {
		genMech uint
		mech    uint
	}{
		{pkcs11.CKM_DES_KEY_GEN, pkcs11.CKM_DES_CBC_PAD},
		{pkcs11.CKM_DES3_KEY_GEN, pkcs11.CKM_DES3_CBC_PAD},
	} {
		handle, err := s.GenerateKey(tc.genMech, nil, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
			pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		})
		require.NoError(t, err)
		key, _ := s.GetObject(handle)

		iv := make([]byte, 8)
		plaintext := []byte("des round trip data")
		require.NoError(t, s.OperationInit(mechanism.Encrypt, tc.mech, iv, key))
		ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutUnlimited)
		require.NoError(t, err)

		require.NoError(t, s.OperationInit(mechanism.Decrypt, tc.mech, iv, key))
		decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestHMACSignVerify(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateHMACKey(t, s)
	data := []byte("message to authenticate")

	require.NoError(t, s.OperationInit(mechanism.Sign, pkcs11.CKM_SHA256_HMAC, nil, key))
	mac, _, err := s.OperationSinglePart(mechanism.Sign, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Len(t, mac, 32)

	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_HMAC, nil, key))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyFinal(mac))

	// Tampered MAC.
	bad := bytes.Clone(mac)
	bad[0] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_HMAC, nil, key))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(bad))

	// Tampered message.
	tampered := bytes.Clone(data)
	tampered[0] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_HMAC, nil, key))
	_, _, err = s.OperationUpdate(mechanism.Verify, tampered, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(mac))

	// Wrong MAC length.
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_HMAC, nil, key))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE), s.VerifyFinal(mac[:16]))
}

func TestRSASignVerify(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	publicKey, privateKey := generateRSAKeys(t, s, 1024)
	data := []byte("data to sign")

	require.NoError(t, s.OperationInit(mechanism.Sign, pkcs11.CKM_SHA256_RSA_PKCS, nil, privateKey))
	signature, _, err := s.OperationSinglePart(mechanism.Sign, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Len(t, signature, 128)

	// The signature must verify outside the engine against the
	// standard PKCS#1 v1.5 construction.
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(publicKey.GetAttributeBytes(pkcs11.CKA_MODULUS)),
		E: int(new(big.Int).SetBytes(publicKey.GetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT)).Int64()),
	}
	digest := sha256.Sum256(data)
	signedData := append(bytes.Clone(mechanism.DigestInfoPrefix(pkcs11.CKM_SHA256_RSA_PKCS)), digest[:]...)
	require.NoError(t, rsa.VerifyPKCS1v15(pub, 0, signedData, signature))

	// And through the engine.
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyFinal(signature))

	// Tampered signature.
	bad := bytes.Clone(signature)
	bad[10] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(bad))

	// Tampered message.
	tampered := bytes.Clone(data)
	tampered[0] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, tampered, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(signature))

	// A signature that is not exactly the modulus length is a length
	// error, not an invalid signature.
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE), s.VerifyFinal(signature[:127]))

	// Signing with the public key is a type error.
	err = s.OperationInit(mechanism.Sign, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT), err)
}

func TestRSARawSignVerify(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	publicKey, privateKey := generateRSAKeys(t, s, 1024)
	// CKM_RSA_PKCS signs caller data as-is, without a DigestInfo.
	data := []byte("raw signing input")

	require.NoError(t, s.OperationInit(mechanism.Sign, pkcs11.CKM_RSA_PKCS, nil, privateKey))
	signature, _, err := s.OperationSinglePart(mechanism.Sign, data, maxOutUnlimited)
	require.NoError(t, err)

	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_RSA_PKCS, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyFinal(signature))
}

func TestRSAEncryptDecrypt(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	publicKey, privateKey := generateRSAKeys(t, s, 1024)
	plaintext := []byte("bound data")

	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_RSA_PKCS, nil, publicKey))
	ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Len(t, ciphertext, 128)

	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_RSA_PKCS, nil, privateKey))
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestECDSASignVerify(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	publicKey, privateKey := generateECCKeys(t, s)
	data := []byte("data for ecdsa")

	require.NoError(t, s.OperationInit(mechanism.Sign, pkcs11.CKM_ECDSA_SHA1, nil, privateKey))
	signature, _, err := s.OperationSinglePart(mechanism.Sign, data, maxOutUnlimited)
	require.NoError(t, err)
	// Fixed-width r || s for P-256.
	assert.Len(t, signature, 64)

	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_ECDSA_SHA1, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyFinal(signature))

	// Tampered signature.
	bad := bytes.Clone(signature)
	bad[5] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_ECDSA_SHA1, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(bad))

	// Tampered message.
	tampered := bytes.Clone(data)
	tampered[0] ^= 1
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_ECDSA_SHA1, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, tampered, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID), s.VerifyFinal(signature))

	// Odd-length signature cannot split into r and s.
	require.NoError(t, s.OperationInit(mechanism.Verify, pkcs11.CKM_ECDSA_SHA1, nil, publicKey))
	_, _, err = s.OperationUpdate(mechanism.Verify, data, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE), s.VerifyFinal(signature[:63]))
}

func TestShortBufferFinal(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 32)
	iv := make([]byte, 16)
	plaintext := []byte("short buffer final")

	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	first, _, err := s.OperationUpdate(mechanism.Encrypt, plaintext, maxOutUnlimited)
	require.NoError(t, err)

	// Too small: the required length is reported and the context stays
	// open.
	out, needed, err := s.OperationFinal(mechanism.Encrypt, 0)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL), err)
	assert.Nil(t, out)
	require.NotZero(t, needed)
	assert.True(t, s.IsOperationActive(mechanism.Encrypt))

	// Retry with capacity: output is handed over exactly once.
	out, gotNeeded, err := s.OperationFinal(mechanism.Encrypt, needed)
	require.NoError(t, err)
	assert.Equal(t, needed, gotNeeded)
	assert.Len(t, out, needed)
	assert.False(t, s.IsOperationActive(mechanism.Encrypt))

	// A third call finds no context.
	_, _, err = s.OperationFinal(mechanism.Encrypt, needed)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)

	// The short-buffer retry did not corrupt the stream.
	ciphertext := append(bytes.Clone(first), out...)
	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestShortBufferSinglePart(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 32)
	iv := make([]byte, 16)
	plaintext := []byte("short buffer single part")

	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	out, needed, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, 0)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL), err)
	assert.Nil(t, out)
	assert.Equal(t, 32, needed)
	assert.True(t, s.IsOperationActive(mechanism.Encrypt))

	// The retry does not re-process the input.
	out, _, err = s.OperationSinglePart(mechanism.Encrypt, plaintext, needed)
	require.NoError(t, err)
	assert.Len(t, out, 32)

	_, _, err = s.OperationSinglePart(mechanism.Encrypt, plaintext, needed)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED), err)

	require.NoError(t, s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, out, maxOutUnlimited)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestMixingIncrementalAndSinglePart(t *testing.T) {
	s := newTestSession(t, tpmutil.NotAvailable{})
	key := generateAESKey(t, s, 32)
	iv := make([]byte, 16)

	// Single-part after Update cancels the context.
	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	_, _, err := s.OperationUpdate(mechanism.Encrypt, []byte("chunk"), maxOutUnlimited)
	require.NoError(t, err)
	_, _, err = s.OperationSinglePart(mechanism.Encrypt, []byte("more"), maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE), err)
	assert.False(t, s.IsOperationActive(mechanism.Encrypt))

	// Update after a finished single-part cancels the context.
	require.NoError(t, s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key))
	_, _, err = s.OperationSinglePart(mechanism.Encrypt, []byte("data"), 0)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL), err)
	_, _, err = s.OperationUpdate(mechanism.Encrypt, []byte("late"), maxOutUnlimited)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE), err)
	assert.False(t, s.IsOperationActive(mechanism.Encrypt))
}
