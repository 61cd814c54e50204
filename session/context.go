package session

import (
	"crypto/cipher"
	"hash"

	"github.com/miekg/pkcs11"

	"github.com/effective-security/xtoken/store"
)

// operationContext is the per-kind mutable state of one open operation.
// At most one context per kind is valid at a time.
type operationContext struct {
	// valid means the operation is open.
	valid bool
	// incremental is set once an Update occurred; it forbids later
	// single-shot use.
	incremental bool
	// finished means the terminal crypto step already ran; remaining
	// output may still be pending retrieval.
	finished bool

	mech uint

	// data accumulates input for buffered mechanisms and holds pending
	// output after a crypto step.
	data []byte

	key store.Object

	cipher   *cipherState
	digest   hash.Hash
	hmac     hash.Hash
	isCipher bool
	isDigest bool
	isHMAC   bool
}

// clear releases backend crypto state and resets every flag.
func (c *operationContext) clear() {
	*c = operationContext{}
}

// cipherState is the streaming state of a block cipher operation:
// the selected primitive, mode, padding configuration and the partial
// block carried between Update calls.
type cipherState struct {
	block   cipher.Block
	mode    cipher.BlockMode // nil in ECB mode
	encrypt bool
	pad     bool
	buf     []byte
}

func newCipherState(block cipher.Block, pad bool, iv []byte, encrypt bool) *cipherState {
	c := &cipherState{
		block:   block,
		encrypt: encrypt,
		pad:     pad,
	}
	if len(iv) > 0 {
		if encrypt {
			c.mode = cipher.NewCBCEncrypter(block, iv)
		} else {
			c.mode = cipher.NewCBCDecrypter(block, iv)
		}
	}
	return c
}

// update consumes input and returns the bytes produced by transforming
// every block that is safe to process now. When decrypting with
// padding, the final full block is held back for final so the padding
// can be stripped.
func (c *cipherState) update(in []byte) []byte {
	c.buf = append(c.buf, in...)
	bs := c.block.BlockSize()
	n := len(c.buf)
	keep := n % bs
	if c.pad && !c.encrypt && keep == 0 && n > 0 {
		keep = bs
	}
	process := n - keep
	if process == 0 {
		return nil
	}
	out := make([]byte, process)
	c.cryptBlocks(out, c.buf[:process])
	c.buf = append(c.buf[:0], c.buf[process:]...)
	return out
}

// final flushes the stream: applies or strips PKCS padding, or checks
// that unpadded input was block-aligned.
func (c *cipherState) final() ([]byte, error) {
	bs := c.block.BlockSize()
	if c.encrypt {
		if !c.pad {
			if len(c.buf) != 0 {
				return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
			}
			return nil, nil
		}
		padLen := bs - len(c.buf)%bs
		for i := 0; i < padLen; i++ {
			c.buf = append(c.buf, byte(padLen))
		}
		out := make([]byte, len(c.buf))
		c.cryptBlocks(out, c.buf)
		c.buf = nil
		return out, nil
	}

	if !c.pad {
		if len(c.buf) != 0 {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		return nil, nil
	}
	// One retained block holds the padding.
	if len(c.buf) != bs {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	out := make([]byte, bs)
	c.cryptBlocks(out, c.buf)
	c.buf = nil
	padLen := int(out[bs-1])
	if padLen < 1 || padLen > bs {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	for _, b := range out[bs-padLen:] {
		if int(b) != padLen {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
	}
	return out[:bs-padLen], nil
}

func (c *cipherState) cryptBlocks(dst, src []byte) {
	if c.mode != nil {
		c.mode.CryptBlocks(dst, src)
		return
	}
	bs := c.block.BlockSize()
	for i := 0; i < len(src); i += bs {
		if c.encrypt {
			c.block.Encrypt(dst[i:i+bs], src[i:i+bs])
		} else {
			c.block.Decrypt(dst[i:i+bs], src[i:i+bs])
		}
	}
}
