package mechanism

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/miekg/pkcs11"
)

// NewBlockCipher selects a block cipher primitive for the mechanism and
// checks that the key material has exactly the length the primitive
// requires. The returned error is a pkcs11.Error carrying either
// CKR_MECHANISM_INVALID or CKR_KEY_SIZE_RANGE.
func NewBlockCipher(mech uint, key []byte) (cipher.Block, error) {
	switch mech {
	case pkcs11.CKM_DES_ECB,
		pkcs11.CKM_DES_CBC,
		pkcs11.CKM_DES_CBC_PAD:
		if len(key) != 8 {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
		}
		return des.NewCipher(key)

	case pkcs11.CKM_DES3_ECB,
		pkcs11.CKM_DES3_CBC,
		pkcs11.CKM_DES3_CBC_PAD:
		if len(key) != 24 {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
		}
		return des.NewTripleDESCipher(key)

	case pkcs11.CKM_AES_ECB,
		pkcs11.CKM_AES_CBC,
		pkcs11.CKM_AES_CBC_PAD:
		switch len(key) {
		case 16, 24, 32:
			return aes.NewCipher(key)
		}
		return nil, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

// IsECBMode returns true for the block-cipher mechanisms that run in
// ECB mode and therefore take no IV.
func IsECBMode(mech uint) bool {
	switch mech {
	case pkcs11.CKM_DES_ECB,
		pkcs11.CKM_DES3_ECB,
		pkcs11.CKM_AES_ECB:
		return true
	}
	return false
}

// IVLength returns the IV length the mechanism expects as its
// parameter: zero for ECB modes, the cipher block size otherwise.
func IVLength(mech uint, block cipher.Block) int {
	if IsECBMode(mech) {
		return 0
	}
	return block.BlockSize()
}
