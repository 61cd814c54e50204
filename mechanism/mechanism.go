// Package mechanism holds the static table describing every mechanism the
// token supports: which operation kinds it is valid for, the key type it
// requires, and the crypto primitives it maps to. The table is read-only
// and never changes at runtime.
package mechanism

import (
	"github.com/miekg/pkcs11"
)

// Operation identifies one of the five cryptographic operation kinds a
// session can run.
type Operation int

// Operation kinds. NumOperations is the size of the fixed per-session
// context array.
const (
	Encrypt Operation = iota
	Decrypt
	Sign
	Verify
	Digest
	NumOperations
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case Encrypt:
		return "encrypt"
	case Decrypt:
		return "decrypt"
	case Sign:
		return "sign"
	case Verify:
		return "verify"
	case Digest:
		return "digest"
	}
	return "unknown"
}

// invalidKeyType marks mechanisms that do not involve a key (pure digests).
const invalidKeyType = pkcs11.CKK_VENDOR_DEFINED

type opSet uint

func ops(list ...Operation) opSet {
	var s opSet
	for _, op := range list {
		s |= 1 << uint(op)
	}
	return s
}

func (s opSet) has(op Operation) bool {
	return s&(1<<uint(op)) != 0
}

// Info describes a single mechanism: whether the token supports it, the
// operation kinds it may be used for, and the key type it requires.
type Info struct {
	supported  bool
	operations opSet
	keyType    uint
}

// Lookup returns the descriptor for the given mechanism. Unknown
// mechanisms yield an unsupported descriptor.
func Lookup(mech uint) Info {
	switch mech {
	// DES
	case pkcs11.CKM_DES_ECB,
		pkcs11.CKM_DES_CBC,
		pkcs11.CKM_DES_CBC_PAD:
		return Info{true, ops(Encrypt, Decrypt), pkcs11.CKK_DES}

	// DES3
	case pkcs11.CKM_DES3_ECB,
		pkcs11.CKM_DES3_CBC,
		pkcs11.CKM_DES3_CBC_PAD:
		return Info{true, ops(Encrypt, Decrypt), pkcs11.CKK_DES3}

	// AES
	case pkcs11.CKM_AES_ECB,
		pkcs11.CKM_AES_CBC,
		pkcs11.CKM_AES_CBC_PAD:
		return Info{true, ops(Encrypt, Decrypt), pkcs11.CKK_AES}

	// RSA
	case pkcs11.CKM_RSA_PKCS:
		return Info{true, ops(Encrypt, Decrypt, Sign, Verify), pkcs11.CKK_RSA}
	case pkcs11.CKM_MD5_RSA_PKCS,
		pkcs11.CKM_SHA1_RSA_PKCS,
		pkcs11.CKM_SHA256_RSA_PKCS,
		pkcs11.CKM_SHA384_RSA_PKCS,
		pkcs11.CKM_SHA512_RSA_PKCS:
		return Info{true, ops(Sign, Verify), pkcs11.CKK_RSA}

	// ECDSA
	case pkcs11.CKM_ECDSA,
		pkcs11.CKM_ECDSA_SHA1:
		return Info{true, ops(Sign, Verify), pkcs11.CKK_EC}

	// HMAC
	case pkcs11.CKM_MD5_HMAC,
		pkcs11.CKM_SHA_1_HMAC,
		pkcs11.CKM_SHA256_HMAC,
		pkcs11.CKM_SHA384_HMAC,
		pkcs11.CKM_SHA512_HMAC:
		return Info{true, ops(Sign, Verify), pkcs11.CKK_GENERIC_SECRET}

	// Digest
	case pkcs11.CKM_MD5,
		pkcs11.CKM_SHA_1,
		pkcs11.CKM_SHA256,
		pkcs11.CKM_SHA384,
		pkcs11.CKM_SHA512:
		return Info{true, ops(Digest), invalidKeyType}
	}
	return Info{}
}

// IsSupported returns true if the mechanism is in the table.
func (i Info) IsSupported() bool {
	return i.supported
}

// IsOperationValid returns true if the mechanism may be used for the
// given operation kind.
func (i Info) IsOperationValid(op Operation) bool {
	return i.supported && i.operations.has(op)
}

// IsForKeyType returns true if the mechanism requires the given key type.
func (i Info) IsForKeyType(keyType uint) bool {
	return i.supported && i.keyType == keyType
}

// IsHMAC returns true for keyed-hash mechanisms.
func IsHMAC(mech uint) bool {
	return Lookup(mech).IsForKeyType(pkcs11.CKK_GENERIC_SECRET)
}

// IsRSA returns true for RSA mechanisms.
func IsRSA(mech uint) bool {
	return Lookup(mech).IsForKeyType(pkcs11.CKK_RSA)
}

// IsECC returns true for elliptic-curve mechanisms.
func IsECC(mech uint) bool {
	return Lookup(mech).IsForKeyType(pkcs11.CKK_EC)
}

// IsPaddingEnabled returns true for the block-cipher mechanism variants
// that use PKCS padding. All other block-cipher mechanisms run unpadded.
func IsPaddingEnabled(mech uint) bool {
	switch mech {
	case pkcs11.CKM_DES_CBC_PAD,
		pkcs11.CKM_DES3_CBC_PAD,
		pkcs11.CKM_AES_CBC_PAD:
		return true
	}
	return false
}

// IsValidForOperation returns true if the mechanism is supported and
// listed for the given operation kind.
func IsValidForOperation(op Operation, mech uint) bool {
	return Lookup(mech).IsOperationValid(op)
}

// ExpectedObjectClass returns the object class a key of the given type
// must have to be used for the given operation. Operations that need
// private key material (Sign, Decrypt) expect a private key for the
// asymmetric types.
func ExpectedObjectClass(op Operation, keyType uint) (uint, bool) {
	usePrivate := op == Sign || op == Decrypt
	switch keyType {
	case pkcs11.CKK_DES,
		pkcs11.CKK_DES3,
		pkcs11.CKK_AES,
		pkcs11.CKK_GENERIC_SECRET:
		return pkcs11.CKO_SECRET_KEY, true
	case pkcs11.CKK_RSA, pkcs11.CKK_EC:
		if usePrivate {
			return pkcs11.CKO_PRIVATE_KEY, true
		}
		return pkcs11.CKO_PUBLIC_KEY, true
	}
	return 0, false
}

// IsValidKeyType checks that the key's type matches the mechanism and
// that the object class matches the class expected for that key type
// and operation.
func IsValidKeyType(op Operation, mech uint, objectClass uint, keyType uint) bool {
	if !Lookup(mech).IsForKeyType(keyType) {
		return false
	}
	expected, ok := ExpectedObjectClass(op, keyType)
	return ok && objectClass == expected
}

// RequiredKeyUsage returns the usage attribute a key must carry for the
// given operation kind, or 0 for keyless operations.
func RequiredKeyUsage(op Operation) uint {
	switch op {
	case Encrypt:
		return pkcs11.CKA_ENCRYPT
	case Decrypt:
		return pkcs11.CKA_DECRYPT
	case Sign:
		return pkcs11.CKA_SIGN
	case Verify:
		return pkcs11.CKA_VERIFY
	}
	return 0
}

// Names maps supported mechanism identifiers to their PKCS#11 names.
var Names = map[uint]string{
	pkcs11.CKM_DES_ECB:          "CKM_DES_ECB",
	pkcs11.CKM_DES_CBC:          "CKM_DES_CBC",
	pkcs11.CKM_DES_CBC_PAD:      "CKM_DES_CBC_PAD",
	pkcs11.CKM_DES3_ECB:         "CKM_DES3_ECB",
	pkcs11.CKM_DES3_CBC:         "CKM_DES3_CBC",
	pkcs11.CKM_DES3_CBC_PAD:     "CKM_DES3_CBC_PAD",
	pkcs11.CKM_AES_ECB:          "CKM_AES_ECB",
	pkcs11.CKM_AES_CBC:          "CKM_AES_CBC",
	pkcs11.CKM_AES_CBC_PAD:      "CKM_AES_CBC_PAD",
	pkcs11.CKM_RSA_PKCS:         "CKM_RSA_PKCS",
	pkcs11.CKM_MD5_RSA_PKCS:     "CKM_MD5_RSA_PKCS",
	pkcs11.CKM_SHA1_RSA_PKCS:    "CKM_SHA1_RSA_PKCS",
	pkcs11.CKM_SHA256_RSA_PKCS:  "CKM_SHA256_RSA_PKCS",
	pkcs11.CKM_SHA384_RSA_PKCS:  "CKM_SHA384_RSA_PKCS",
	pkcs11.CKM_SHA512_RSA_PKCS:  "CKM_SHA512_RSA_PKCS",
	pkcs11.CKM_ECDSA:            "CKM_ECDSA",
	pkcs11.CKM_ECDSA_SHA1:       "CKM_ECDSA_SHA1",
	pkcs11.CKM_MD5_HMAC:         "CKM_MD5_HMAC",
	pkcs11.CKM_SHA_1_HMAC:       "CKM_SHA_1_HMAC",
	pkcs11.CKM_SHA256_HMAC:      "CKM_SHA256_HMAC",
	pkcs11.CKM_SHA384_HMAC:      "CKM_SHA384_HMAC",
	pkcs11.CKM_SHA512_HMAC:      "CKM_SHA512_HMAC",
	pkcs11.CKM_MD5:              "CKM_MD5",
	pkcs11.CKM_SHA_1:            "CKM_SHA_1",
	pkcs11.CKM_SHA256:           "CKM_SHA256",
	pkcs11.CKM_SHA384:           "CKM_SHA384",
	pkcs11.CKM_SHA512:           "CKM_SHA512",
	pkcs11.CKM_DES_KEY_GEN:      "CKM_DES_KEY_GEN",
	pkcs11.CKM_DES3_KEY_GEN:     "CKM_DES3_KEY_GEN",
	pkcs11.CKM_AES_KEY_GEN:      "CKM_AES_KEY_GEN",
	pkcs11.CKM_GENERIC_SECRET_KEY_GEN: "CKM_GENERIC_SECRET_KEY_GEN",
	pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN:  "CKM_RSA_PKCS_KEY_PAIR_GEN",
	pkcs11.CKM_EC_KEY_PAIR_GEN:        "CKM_EC_KEY_PAIR_GEN",
}
