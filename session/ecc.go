package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/effective-security/xtoken/store"
)

// Named curve identifiers accepted in CKA_EC_PARAMS. The attribute is
// the DER encoding of an ANSI X9.62 Parameters value; only the
// namedCurve choice is supported.
var (
	oidP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func curveFromECParams(der []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(der, &oid)
	if err != nil || len(rest) != 0 {
		return nil, pkcs11.Error(pkcs11.CKR_DOMAIN_PARAMS_INVALID)
	}
	switch {
	case oid.Equal(oidP224):
		return elliptic.P224(), nil
	case oid.Equal(oidP256):
		return elliptic.P256(), nil
	case oid.Equal(oidP384):
		return elliptic.P384(), nil
	case oid.Equal(oidP521):
		return elliptic.P521(), nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_DOMAIN_PARAMS_INVALID)
}

// marshalECParams returns the canonical DER form of the curve's named
// curve identifier.
func marshalECParams(curve elliptic.Curve) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch curve {
	case elliptic.P224():
		oid = oidP224
	case elliptic.P256():
		oid = oidP256
	case elliptic.P384():
		oid = oidP384
	case elliptic.P521():
		oid = oidP521
	default:
		return nil, pkcs11.Error(pkcs11.CKR_DOMAIN_PARAMS_INVALID)
	}
	der, err := asn1.Marshal(oid)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return der, nil
}

// marshalECPoint encodes the public point as the DER OCTET STRING
// wrapping the uncompressed form 04 || X || Y, the CKA_EC_POINT format.
func marshalECPoint(curve elliptic.Curve, x, y *big.Int) ([]byte, error) {
	point := elliptic.Marshal(curve, x, y)
	der, err := asn1.Marshal(point)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return der, nil
}

func unmarshalECPoint(curve elliptic.Curve, der []byte) (*big.Int, *big.Int, error) {
	var point []byte
	rest, err := asn1.Unmarshal(der, &point)
	if err != nil || len(rest) != 0 {
		return nil, nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return x, y, nil
}

func eccPrivateKeyFromObject(key store.Object) (*ecdsa.PrivateKey, error) {
	curve, err := curveFromECParams(key.GetAttributeBytes(pkcs11.CKA_EC_PARAMS))
	if err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(key.GetAttributeBytes(pkcs11.CKA_VALUE))
	if d.Sign() == 0 {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	x, y := curve.ScalarBaseMult(d.Bytes())
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

func eccPublicKeyFromObject(key store.Object) (*ecdsa.PublicKey, error) {
	curve, err := curveFromECParams(key.GetAttributeBytes(pkcs11.CKA_EC_PARAMS))
	if err != nil {
		return nil, err
	}
	x, y, err := unmarshalECPoint(curve, key.GetAttributeBytes(pkcs11.CKA_EC_POINT))
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// fixedWidthBytes returns the big-endian encoding of v left-padded to
// the given width.
func fixedWidthBytes(v *big.Int, width int) []byte {
	out := make([]byte, width)
	v.FillBytes(out)
	return out
}

func (s *Session) eccSign(context *operationContext) error {
	priv, err := eccPrivateKeyFromObject(context.key)
	if err != nil {
		logger.Errorf("reason=ecc_load_key, err=[%v]", err)
		return err
	}
	r, sv, err := ecdsa.Sign(rand.Reader, priv, context.data)
	if err != nil {
		logger.Errorf("reason=ecdsa_sign, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	// The signature is r || s, each half a fixed-width big-endian
	// integer of the curve byte length. Not ASN.1 DER.
	width := (priv.Curve.Params().BitSize + 7) / 8
	context.data = append(fixedWidthBytes(r, width), fixedWidthBytes(sv, width)...)
	return nil
}

func (s *Session) eccVerify(context *operationContext, signedData, signature []byte) error {
	if len(signature)%2 != 0 {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
	}
	pub, err := eccPublicKeyFromObject(context.key)
	if err != nil {
		logger.Errorf("reason=ecc_load_key, err=[%v]", err)
		return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	half := len(signature) / 2
	r := new(big.Int).SetBytes(signature[:half])
	sv := new(big.Int).SetBytes(signature[half:])
	if !ecdsa.Verify(pub, signedData, r, sv) {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
	}
	return nil
}
