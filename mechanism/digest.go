package mechanism

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/miekg/pkcs11"
)

// DigestFactory returns the hash constructor associated with a
// mechanism, or nil for mechanisms that carry no digest (e.g.
// CKM_RSA_PKCS, CKM_ECDSA).
func DigestFactory(mech uint) func() hash.Hash {
	switch mech {
	case pkcs11.CKM_MD5,
		pkcs11.CKM_MD5_HMAC,
		pkcs11.CKM_MD5_RSA_PKCS:
		return md5.New
	case pkcs11.CKM_SHA_1,
		pkcs11.CKM_SHA_1_HMAC,
		pkcs11.CKM_SHA1_RSA_PKCS,
		pkcs11.CKM_ECDSA_SHA1:
		return sha1.New
	case pkcs11.CKM_SHA256,
		pkcs11.CKM_SHA256_HMAC,
		pkcs11.CKM_SHA256_RSA_PKCS:
		return sha256.New
	case pkcs11.CKM_SHA384,
		pkcs11.CKM_SHA384_HMAC,
		pkcs11.CKM_SHA384_RSA_PKCS:
		return sha512.New384
	case pkcs11.CKM_SHA512,
		pkcs11.CKM_SHA512_HMAC,
		pkcs11.CKM_SHA512_RSA_PKCS:
		return sha512.New
	}
	return nil
}

// DER-encoded DigestInfo prefixes per PKCS#1 v1.5. The raw digest is
// appended to the prefix before the RSA private-key transform.
var (
	digestInfoMD5 = []byte{
		0x30, 0x20, 0x30, 0x0c, 0x06, 0x08, 0x2a, 0x86, 0x48, 0x86,
		0xf7, 0x0d, 0x02, 0x05, 0x05, 0x00, 0x04, 0x10,
	}
	digestInfoSHA1 = []byte{
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02,
		0x1a, 0x05, 0x00, 0x04, 0x14,
	}
	digestInfoSHA256 = []byte{
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
	}
	digestInfoSHA384 = []byte{
		0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30,
	}
	digestInfoSHA512 = []byte{
		0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40,
	}
)

// DigestInfoPrefix returns the DER DigestInfo prefix for the
// mechanism's digest, or nil for mechanisms without one. A nil prefix
// is valid: CKM_RSA_PKCS signs the caller's data as-is.
func DigestInfoPrefix(mech uint) []byte {
	switch mech {
	case pkcs11.CKM_MD5_RSA_PKCS:
		return digestInfoMD5
	case pkcs11.CKM_SHA1_RSA_PKCS:
		return digestInfoSHA1
	case pkcs11.CKM_SHA256_RSA_PKCS:
		return digestInfoSHA256
	case pkcs11.CKM_SHA384_RSA_PKCS:
		return digestInfoSHA384
	case pkcs11.CKM_SHA512_RSA_PKCS:
		return digestInfoSHA512
	}
	return nil
}
