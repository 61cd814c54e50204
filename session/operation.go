package session

import (
	"crypto/hmac"
	"crypto/subtle"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/effective-security/xtoken/mechanism"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/store"
)

// OperationInit opens an operation of the given kind with a mechanism,
// its parameter, and for key-bearing kinds the key object to use.
func (s *Session) OperationInit(op mechanism.Operation, mech uint, parameter []byte, key store.Object) error {
	context := &s.contexts[op]
	if context.valid {
		logger.Errorf("reason=operation_active, op=%s", op)
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}

	context.clear()
	context.mech = mech

	if !mechanism.IsValidForOperation(op, mech) {
		logger.Errorf("reason=mechanism_not_supported, op=%s, mechanism=0x%X", op, mech)
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}

	if op != mechanism.Digest {
		// Make sure the key is valid for the mechanism.
		if key == nil {
			return pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		keyType := key.GetAttributeUint(pkcs11.CKA_KEY_TYPE, ^uint(0))
		if !mechanism.IsValidKeyType(op, mech, key.Class(), keyType) {
			logger.Errorf("reason=key_type_mismatch, op=%s, mechanism=0x%X", op, mech)
			return pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		if !key.GetAttributeBool(mechanism.RequiredKeyUsage(op), false) {
			logger.Errorf("reason=key_function_not_permitted, op=%s", op)
			return pkcs11.Error(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED)
		}
		if mechanism.IsRSA(mech) {
			// Refuse RSA keys with sizes outside the supported range,
			// e.g. imported from another token.
			keySize := len(key.GetAttributeBytes(pkcs11.CKA_MODULUS)) * 8
			if keySize < minRSAKeyBits || keySize > maxRSAKeyBits {
				logger.Errorf("reason=key_size_not_supported, bits=%d", keySize)
				return pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
			}
		}
	}

	switch op {
	case mechanism.Encrypt, mechanism.Decrypt:
		if mech == pkcs11.CKM_RSA_PKCS {
			// RSA is not streamed; all work happens at Final.
			context.key = key
			context.valid = true
			return nil
		}
		return s.cipherInit(op == mechanism.Encrypt, op, mech, parameter, key)

	case mechanism.Sign, mechanism.Verify, mechanism.Digest:
		// A nil digest factory is valid here (e.g. CKM_RSA_PKCS).
		newDigest := mechanism.DigestFactory(mech)
		if mechanism.IsHMAC(mech) {
			context.hmac = hmac.New(newDigest, key.GetAttributeBytes(pkcs11.CKA_VALUE))
			context.isHMAC = true
		} else if newDigest != nil {
			context.digest = newDigest()
			context.isDigest = true
		}
		if mechanism.IsRSA(mech) || mechanism.IsECC(mech) {
			context.key = key
		}
		context.valid = true
		return nil
	}
	return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
}

func (s *Session) cipherInit(encrypt bool, op mechanism.Operation, mech uint, parameter []byte, key store.Object) error {
	context := &s.contexts[op]
	keyMaterial := key.GetAttributeBytes(pkcs11.CKA_VALUE)
	block, err := mechanism.NewBlockCipher(mech, keyMaterial)
	if err != nil {
		logger.Errorf("reason=cipher_select, mechanism=0x%X, len=%d, err=[%v]", mech, len(keyMaterial), err)
		return err
	}
	// The mechanism parameter is the IV for modes which require one,
	// otherwise it must be empty.
	if len(parameter) != mechanism.IVLength(mech, block) {
		logger.Errorf("reason=iv_length_invalid, len=%d", len(parameter))
		return pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	context.cipher = newCipherState(block, mechanism.IsPaddingEnabled(mech), parameter, encrypt)
	context.isCipher = true
	context.valid = true
	return nil
}

// OperationUpdate feeds data into an open operation and returns any
// output produced so far, subject to the short-buffer protocol.
func (s *Session) OperationUpdate(op mechanism.Operation, in []byte, maxOut int) ([]byte, int, error) {
	context := &s.contexts[op]
	if !context.valid {
		logger.Errorf("reason=operation_not_initialized, op=%s", op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if context.finished {
		logger.Errorf("reason=operation_finished, op=%s", op)
		s.OperationCancel(op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	context.incremental = true
	return s.operationUpdateInternal(op, in, maxOut)
}

func (s *Session) operationUpdateInternal(op mechanism.Operation, in []byte, maxOut int) ([]byte, int, error) {
	context := &s.contexts[op]
	switch {
	case context.isCipher:
		out, needed, err := s.cipherUpdate(context, in, maxOut)
		if err != nil && err != pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL) {
			s.OperationCancel(op)
		}
		return out, needed, err
	case context.isDigest:
		_, _ = context.digest.Write(in)
	case context.isHMAC:
		_, _ = context.hmac.Write(in)
	default:
		// Buffered mechanism; queue the data for Final.
		context.data = append(context.data, in...)
	}
	return nil, 0, nil
}

// OperationCancel unconditionally drops the context of the given kind,
// releasing any backend resources.
func (s *Session) OperationCancel(op mechanism.Operation) {
	context := &s.contexts[op]
	if !context.valid {
		logger.Errorf("reason=operation_not_initialized, op=%s", op)
		return
	}
	context.clear()
}

// OperationFinal completes an open operation and returns its output,
// subject to the short-buffer protocol.
func (s *Session) OperationFinal(op mechanism.Operation, maxOut int) ([]byte, int, error) {
	context := &s.contexts[op]
	if !context.valid {
		logger.Errorf("reason=operation_not_initialized, op=%s", op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if !context.incremental && context.finished {
		logger.Errorf("reason=operation_not_incremental, op=%s", op)
		s.OperationCancel(op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	context.incremental = true
	return s.operationFinalInternal(op, maxOut)
}

func (s *Session) operationFinalInternal(op mechanism.Operation, maxOut int) ([]byte, int, error) {
	context := &s.contexts[op]
	context.valid = false

	// Complete the operation if it has not already been done.
	if !context.finished {
		defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), op.String())

		switch {
		case context.isCipher:
			if err := s.cipherFinal(context); err != nil {
				return nil, 0, err
			}
		case context.isDigest:
			context.data = context.digest.Sum(nil)
		case context.isHMAC:
			context.data = context.hmac.Sum(nil)
		}

		// RSA and ECC mechanisms may layer over a digest, so the digest
		// must finish before the asymmetric step.
		if mechanism.IsRSA(context.mech) {
			var err error
			switch op {
			case mechanism.Encrypt:
				err = s.rsaEncrypt(context)
			case mechanism.Decrypt:
				err = s.rsaDecrypt(context)
			case mechanism.Sign:
				err = s.rsaSign(context)
			}
			if err != nil {
				return nil, 0, err
			}
		} else if mechanism.IsECC(context.mech) {
			if op == mechanism.Sign {
				if err := s.eccSign(context); err != nil {
					return nil, 0, err
				}
			}
		}
		context.finished = true
	}

	out, needed, err := getOperationOutput(context, maxOut)
	if err == pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL) {
		// Keep the context valid so a subsequent call can pick up the
		// computed output.
		context.valid = true
	}
	return out, needed, err
}

// VerifyFinal completes an open Verify operation and checks the given
// signature against the computed digest or MAC.
func (s *Session) VerifyFinal(signature []byte) error {
	context := &s.contexts[mechanism.Verify]
	// Run the generic Final path so any digest or HMAC computation gets
	// finalized.
	computed, _, err := s.OperationFinal(mechanism.Verify, maxOutUnlimited)
	if err != nil {
		return err
	}

	switch {
	case context.isHMAC:
		// The MAC is recomputed and literally compared.
		if len(signature) != len(computed) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
		}
		if subtle.ConstantTimeCompare(signature, computed) != 1 {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	case mechanism.IsRSA(context.mech):
		return s.rsaVerify(context, computed, signature)
	case mechanism.IsECC(context.mech):
		return s.eccVerify(context, computed, signature)
	}
	return pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
}

// OperationSinglePart runs Update and Final in one step. It is only
// legal on a context that has not been used incrementally.
func (s *Session) OperationSinglePart(op mechanism.Operation, in []byte, maxOut int) ([]byte, int, error) {
	context := &s.contexts[op]
	if !context.valid {
		logger.Errorf("reason=operation_not_initialized, op=%s", op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if context.incremental {
		logger.Errorf("reason=operation_incremental, op=%s", op)
		s.OperationCancel(op)
		return nil, 0, pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	if !context.finished {
		update, _, err := s.operationUpdateInternal(op, in, maxOutUnlimited)
		if err != nil {
			return nil, 0, err
		}
		final, _, err := s.operationFinalInternal(op, maxOutUnlimited)
		if err != nil {
			return nil, 0, err
		}
		context.data = append(update, final...)
		context.finished = true
	}
	context.valid = false
	out, needed, err := getOperationOutput(context, maxOut)
	if err == pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL) {
		// Keep the context valid so a subsequent call can pick up the
		// computed output.
		context.valid = true
	}
	return out, needed, err
}

func (s *Session) cipherUpdate(context *operationContext, in []byte, maxOut int) ([]byte, int, error) {
	// Output already waiting means a short-buffer retry; don't process
	// input again.
	if len(context.data) == 0 {
		context.data = context.cipher.update(in)
	}
	return getOperationOutput(context, maxOut)
}

func (s *Session) cipherFinal(context *operationContext) error {
	if len(context.data) == 0 {
		out, err := context.cipher.final()
		if err != nil {
			logger.Errorf("reason=cipher_final, err=[%v]", err)
			return err
		}
		context.data = out
	}
	return nil
}

// getOperationOutput reports the required output length and, when the
// caller's capacity allows, hands over the pending output exactly once.
func getOperationOutput(context *operationContext, maxOut int) ([]byte, int, error) {
	needed := len(context.data)
	if maxOut < needed {
		return nil, needed, pkcs11.Error(pkcs11.CKR_BUFFER_TOO_SMALL)
	}
	out := context.data
	context.data = nil
	return out, needed, nil
}
