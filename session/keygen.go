package session

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"math/bits"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/effective-security/xtoken/mechanism"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/store"
	"github.com/effective-security/xtoken/x/rsagen"
)

// DES weak and semi-weak keys, with odd parity applied. Generated DES
// key material matching any entry is discarded and regenerated.
var desWeakKeys = [][8]byte{
	// Weak keys.
	{0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01},
	{0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE},
	{0xE0, 0xE0, 0xE0, 0xE0, 0xF1, 0xF1, 0xF1, 0xF1},
	{0x1F, 0x1F, 0x1F, 0x1F, 0x0E, 0x0E, 0x0E, 0x0E},
	// Semi-weak key pairs.
	{0x01, 0x1F, 0x01, 0x1F, 0x01, 0x0E, 0x01, 0x0E},
	{0x1F, 0x01, 0x1F, 0x01, 0x0E, 0x01, 0x0E, 0x01},
	{0x01, 0xE0, 0x01, 0xE0, 0x01, 0xF1, 0x01, 0xF1},
	{0xE0, 0x01, 0xE0, 0x01, 0xF1, 0x01, 0xF1, 0x01},
	{0x01, 0xFE, 0x01, 0xFE, 0x01, 0xFE, 0x01, 0xFE},
	{0xFE, 0x01, 0xFE, 0x01, 0xFE, 0x01, 0xFE, 0x01},
	{0x1F, 0xE0, 0x1F, 0xE0, 0x0E, 0xF1, 0x0E, 0xF1},
	{0xE0, 0x1F, 0xE0, 0x1F, 0xF1, 0x0E, 0xF1, 0x0E},
	{0x1F, 0xFE, 0x1F, 0xFE, 0x0E, 0xFE, 0x0E, 0xFE},
	{0xFE, 0x1F, 0xFE, 0x1F, 0xFE, 0x0E, 0xFE, 0x0E},
	{0xE0, 0xFE, 0xE0, 0xFE, 0xF1, 0xFE, 0xF1, 0xFE},
	{0xFE, 0xE0, 0xFE, 0xE0, 0xFE, 0xF1, 0xFE, 0xF1},
}

func isWeakDESKey(key []byte) bool {
	for i := range desWeakKeys {
		match := true
		for j := 0; j < 8; j++ {
			if key[j] != desWeakKeys[i][j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// setOddParity forces the parity bit of each key byte so the byte has
// an odd number of set bits, as DES requires.
func setOddParity(key []byte) {
	for i, b := range key {
		b &= 0xFE
		if bits.OnesCount8(b)%2 == 0 {
			b |= 0x01
		}
		key[i] = b
	}
}

// generateDESKey produces a single parity-adjusted DES key, retrying
// until the key is neither weak nor semi-weak.
func generateDESKey() ([]byte, error) {
	for {
		key, err := generateRandom(8)
		if err != nil {
			return nil, err
		}
		setOddParity(key)
		if !isWeakDESKey(key) {
			return key, nil
		}
	}
}

// GenerateKey generates a symmetric key and inserts it as a new object
// built from the template.
func (s *Session) GenerateKey(mech uint, parameter []byte, attrs []*pkcs11.Attribute) (int, error) {
	defer metricskey.PerfKeyGeneration.MeasureSince(time.Now(), mechanism.Names[mech])

	if len(parameter) != 0 {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	template := s.factory.CreateObject()
	if err := template.SetAttributes(attrs); err != nil {
		return 0, err
	}

	var keyType uint
	var keyMaterial []byte
	var err error
	switch mech {
	case pkcs11.CKM_DES_KEY_GEN:
		keyType = pkcs11.CKK_DES
		keyMaterial, err = generateDESKey()
	case pkcs11.CKM_DES3_KEY_GEN:
		keyType = pkcs11.CKK_DES3
		for i := 0; i < 3 && err == nil; i++ {
			var part []byte
			part, err = generateDESKey()
			keyMaterial = append(keyMaterial, part...)
		}
	case pkcs11.CKM_AES_KEY_GEN:
		keyType = pkcs11.CKK_AES
		if !template.IsAttributePresent(pkcs11.CKA_VALUE_LEN) {
			return 0, pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
		}
		length := int(template.GetAttributeUint(pkcs11.CKA_VALUE_LEN, 0))
		if length != 16 && length != 24 && length != 32 {
			logger.Errorf("reason=aes_key_length_invalid, len=%d", length)
			return 0, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
		}
		keyMaterial, err = generateRandom(length)
	case pkcs11.CKM_GENERIC_SECRET_KEY_GEN:
		keyType = pkcs11.CKK_GENERIC_SECRET
		if !template.IsAttributePresent(pkcs11.CKA_VALUE_LEN) {
			return 0, pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
		}
		length := int(template.GetAttributeUint(pkcs11.CKA_VALUE_LEN, 0))
		if length < 1 {
			logger.Errorf("reason=secret_key_length_invalid, len=%d", length)
			return 0, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
		}
		keyMaterial, err = generateRandom(length)
	default:
		logger.Errorf("reason=keygen_mechanism_invalid, mechanism=0x%X", mech)
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	if err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}

	template.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY)
	template.SetAttributeUint(pkcs11.CKA_KEY_TYPE, keyType)
	template.SetAttributeBytes(pkcs11.CKA_VALUE, keyMaterial)
	stampGenerated(template, mech)

	return s.insertGeneratedObject(template)
}

// GenerateKeyPair generates an asymmetric key pair from the two
// templates and inserts both halves. The public object is removed again
// if the private object cannot be inserted.
func (s *Session) GenerateKeyPair(
	mech uint,
	parameter []byte,
	publicAttrs, privateAttrs []*pkcs11.Attribute,
) (publicHandle, privateHandle int, err error) {
	defer metricskey.PerfKeyGeneration.MeasureSince(time.Now(), mechanism.Names[mech])

	if len(parameter) != 0 {
		return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	publicObj := s.factory.CreateObject()
	if err = publicObj.SetAttributes(publicAttrs); err != nil {
		return 0, 0, err
	}
	privateObj := s.factory.CreateObject()
	if err = privateObj.SetAttributes(privateAttrs); err != nil {
		return 0, 0, err
	}

	switch mech {
	case pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN:
		err = s.generateRSAKeyPair(publicObj, privateObj)
	case pkcs11.CKM_EC_KEY_PAIR_GEN:
		err = s.generateECCKeyPair(publicObj, privateObj)
	default:
		logger.Errorf("reason=keypair_mechanism_invalid, mechanism=0x%X", mech)
		err = pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	if err != nil {
		return 0, 0, err
	}

	stampGenerated(publicObj, mech)
	stampGenerated(privateObj, mech)

	publicHandle, err = s.insertGeneratedObject(publicObj)
	if err != nil {
		return 0, 0, err
	}
	privateHandle, err = s.insertGeneratedObject(privateObj)
	if err != nil {
		// Do not leave a half-inserted pair behind.
		if res := s.poolFor(publicObj).Delete(publicObj); res != store.Success {
			logger.Errorf("reason=orphan_public_key, handle=%d", publicHandle)
		}
		return 0, 0, err
	}
	return publicHandle, privateHandle, nil
}

func (s *Session) generateRSAKeyPair(publicObj, privateObj store.Object) error {
	if !publicObj.IsAttributePresent(pkcs11.CKA_MODULUS_BITS) {
		return pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	modulusBits := int(publicObj.GetAttributeUint(pkcs11.CKA_MODULUS_BITS, 0))
	if modulusBits < minRSAKeyBits || modulusBits > maxRSAKeyBits {
		logger.Errorf("reason=modulus_bits_out_of_range, bits=%d", modulusBits)
		return pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
	}
	publicExponent := publicObj.GetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT)
	if len(publicExponent) == 0 {
		publicExponent = defaultPublicExponent
	}
	if len(publicExponent) > 4 {
		logger.Errorf("reason=public_exponent_too_long, len=%d", len(publicExponent))
		return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
	}

	if s.tpm.IsAvailable() && privateObj.IsTokenObject() &&
		modulusBits >= s.tpm.MinRSAKeyBits() &&
		modulusBits <= s.tpm.MaxRSAKeyBits() {
		return s.generateRSAKeyPairTPM(publicObj, privateObj, modulusBits, publicExponent)
	}
	return s.generateRSAKeyPairSoftware(publicObj, privateObj, modulusBits, publicExponent)
}

func (s *Session) generateRSAKeyPairTPM(
	publicObj, privateObj store.Object,
	modulusBits int,
	publicExponent []byte,
) error {
	authData, err := generateRandom(defaultAuthDataBytes)
	if err != nil {
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	blob, handle, err := s.tpm.GenerateKey(s.slotID, modulusBits, publicExponent, authData)
	if err != nil {
		logger.Errorf("reason=tpm_generate_key, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	e, n, err := s.tpm.GetPublicKey(handle)
	if err != nil {
		logger.Errorf("reason=tpm_get_public_key, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	for _, obj := range []store.Object{publicObj, privateObj} {
		obj.SetAttributeUint(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA)
		obj.SetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT, e)
		obj.SetAttributeBytes(pkcs11.CKA_MODULUS, n)
	}
	publicObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY)
	privateObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)
	privateObj.SetAttributeBytes(store.KeyBlobAttribute, blob)
	privateObj.SetAttributeBytes(store.AuthDataAttribute, authData)
	return nil
}

func (s *Session) generateRSAKeyPairSoftware(
	publicObj, privateObj store.Object,
	modulusBits int,
	publicExponent []byte,
) error {
	e := new(big.Int).SetBytes(publicExponent)
	priv, err := rsagen.GenerateKeyPair(modulusBits, e)
	if err != nil {
		logger.Errorf("reason=rsa_generate, bits=%d, err=[%v]", modulusBits, err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	n := priv.N.Bytes()
	for _, obj := range []store.Object{publicObj, privateObj} {
		obj.SetAttributeUint(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA)
		obj.SetAttributeBytes(pkcs11.CKA_PUBLIC_EXPONENT, publicExponent)
		obj.SetAttributeBytes(pkcs11.CKA_MODULUS, n)
	}
	publicObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY)
	privateObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)
	privateObj.SetAttributeBytes(pkcs11.CKA_PRIVATE_EXPONENT, priv.D.Bytes())
	privateObj.SetAttributeBytes(pkcs11.CKA_PRIME_1, priv.Primes[0].Bytes())
	privateObj.SetAttributeBytes(pkcs11.CKA_PRIME_2, priv.Primes[1].Bytes())
	privateObj.SetAttributeBytes(pkcs11.CKA_EXPONENT_1, priv.Precomputed.Dp.Bytes())
	privateObj.SetAttributeBytes(pkcs11.CKA_EXPONENT_2, priv.Precomputed.Dq.Bytes())
	privateObj.SetAttributeBytes(pkcs11.CKA_COEFFICIENT, priv.Precomputed.Qinv.Bytes())
	return nil
}

func (s *Session) generateECCKeyPair(publicObj, privateObj store.Object) error {
	if !publicObj.IsAttributePresent(pkcs11.CKA_EC_PARAMS) {
		return pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	curve, err := curveFromECParams(publicObj.GetAttributeBytes(pkcs11.CKA_EC_PARAMS))
	if err != nil {
		return err
	}
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		logger.Errorf("reason=ecdsa_generate, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	params, err := marshalECParams(curve)
	if err != nil {
		return err
	}
	point, err := marshalECPoint(curve, priv.X, priv.Y)
	if err != nil {
		return err
	}
	width := (curve.Params().BitSize + 7) / 8

	publicObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY)
	publicObj.SetAttributeUint(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC)
	publicObj.SetAttributeBytes(pkcs11.CKA_EC_PARAMS, params)
	publicObj.SetAttributeBytes(pkcs11.CKA_EC_POINT, point)

	privateObj.SetAttributeUint(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)
	privateObj.SetAttributeUint(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC)
	privateObj.SetAttributeBytes(pkcs11.CKA_EC_PARAMS, params)
	privateObj.SetAttributeBytes(pkcs11.CKA_VALUE, fixedWidthBytes(priv.D, width))
	return nil
}

// stampGenerated marks an object as generated on this token by this
// mechanism.
func stampGenerated(obj store.Object, mech uint) {
	obj.SetAttributeBool(pkcs11.CKA_LOCAL, true)
	obj.SetAttributeUint(pkcs11.CKA_KEY_GEN_MECHANISM, mech)
}

// insertGeneratedObject finalizes a generated object, wraps persistent
// private keys, and inserts it into the matching pool.
func (s *Session) insertGeneratedObject(obj store.Object) (int, error) {
	if err := obj.FinalizeNewObject(); err != nil {
		return 0, err
	}
	pool := s.sessionPool
	if obj.IsTokenObject() {
		if err := s.WrapPrivateKey(obj); err != nil {
			return 0, err
		}
		pool = s.tokenPool
	}
	if res := pool.Insert(obj); res != store.Success {
		return 0, store.RVError(res, pkcs11.CKR_GENERAL_ERROR)
	}
	return obj.Handle(), nil
}
