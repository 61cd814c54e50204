package cli

import (
	"bytes"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/xtoken/internal/version"
	"github.com/effective-security/xtoken/mechanism"
)

// InfoCmd prints session information
type InfoCmd struct {
}

// Run the command
func (a *InfoCmd) Run(ctx *Cli) error {
	s, err := ctx.Session()
	if err != nil {
		return err
	}
	return ctx.WriteJSON(struct {
		Version  string `json:"version"`
		SlotID   int    `json:"slot_id"`
		State    uint   `json:"state"`
		ReadOnly bool   `json:"read_only"`
	}{
		Version:  version.Current().String(),
		SlotID:   s.GetSlot(),
		State:    s.GetState(),
		ReadOnly: s.IsReadOnly(),
	})
}

// MechanismsCmd prints the supported mechanisms
type MechanismsCmd struct {
}

// Run the command
func (a *MechanismsCmd) Run(ctx *Cli) error {
	codes := make([]uint, 0, len(mechanism.Names))
	for code := range mechanism.Names {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := ctx.Writer()
	for _, code := range codes {
		info := mechanism.Lookup(code)
		var ops []string
		for op := mechanism.Operation(0); op < mechanism.NumOperations; op++ {
			if info.IsSupported() && mechanism.IsValidForOperation(op, code) {
				ops = append(ops, op.String())
			}
		}
		fmt.Fprintf(out, "0x%08X  %-24s %s\n", code, mechanism.Names[code], strings.Join(ops, ","))
	}
	return nil
}

var keygenMechanisms = map[string]uint{
	"des":     pkcs11.CKM_DES_KEY_GEN,
	"des3":    pkcs11.CKM_DES3_KEY_GEN,
	"aes":     pkcs11.CKM_AES_KEY_GEN,
	"generic": pkcs11.CKM_GENERIC_SECRET_KEY_GEN,
}

// GenKeyCmd generates a symmetric key
type GenKeyCmd struct {
	Type  string `kong:"arg" required:"" enum:"des,des3,aes,generic" help:"key type: des|des3|aes|generic"`
	Size  int    `help:"key size in bytes, for aes and generic" default:"32"`
	Label string `help:"key label (optional)"`
	Token bool   `help:"create a token-persistent key"`
}

// Run the command
func (a *GenKeyCmd) Run(ctx *Cli) error {
	s, err := ctx.Session()
	if err != nil {
		return err
	}
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, a.Token),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}
	if a.Label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, a.Label))
	}
	mech := keygenMechanisms[a.Type]
	if a.Type == "aes" || a.Type == "generic" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, a.Size))
	}
	handle, err := s.GenerateKey(mech, nil, attrs)
	if err != nil {
		return errors.WithMessage(err, "failed to generate key")
	}
	fmt.Fprintf(ctx.Writer(), "handle: %d\n", handle)
	return nil
}

var namedCurves = map[string]asn1.ObjectIdentifier{
	"P-224": {1, 3, 132, 0, 33},
	"P-256": {1, 2, 840, 10045, 3, 1, 7},
	"P-384": {1, 3, 132, 0, 34},
	"P-521": {1, 3, 132, 0, 35},
}

// GenKeypairCmd generates an asymmetric key pair
type GenKeypairCmd struct {
	Type  string `kong:"arg" required:"" enum:"rsa,ec" help:"key type: rsa|ec"`
	Bits  int    `help:"RSA modulus size in bits" default:"2048"`
	Curve string `help:"EC named curve" default:"P-256" enum:"P-224,P-256,P-384,P-521"`
	Label string `help:"key label (optional)"`
	Token bool   `help:"create token-persistent keys"`
}

// Run the command
func (a *GenKeypairCmd) Run(ctx *Cli) error {
	s, err := ctx.Session()
	if err != nil {
		return err
	}
	publicAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, a.Token),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}
	privateAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, a.Token),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if a.Label != "" {
		publicAttrs = append(publicAttrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, a.Label))
		privateAttrs = append(privateAttrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, a.Label))
	}

	var mech uint
	switch a.Type {
	case "rsa":
		mech = pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN
		publicAttrs = append(publicAttrs, pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, a.Bits))
	case "ec":
		mech = pkcs11.CKM_EC_KEY_PAIR_GEN
		params, err := asn1.Marshal(namedCurves[a.Curve])
		if err != nil {
			return errors.WithStack(err)
		}
		publicAttrs = append(publicAttrs, pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params))
	}

	publicHandle, privateHandle, err := s.GenerateKeyPair(mech, nil, publicAttrs, privateAttrs)
	if err != nil {
		return errors.WithMessage(err, "failed to generate key pair")
	}
	fmt.Fprintf(ctx.Writer(), "public handle: %d\nprivate handle: %d\n", publicHandle, privateHandle)
	return nil
}

var digestMechanisms = map[string]uint{
	"md5":    pkcs11.CKM_MD5,
	"sha1":   pkcs11.CKM_SHA_1,
	"sha256": pkcs11.CKM_SHA256,
	"sha384": pkcs11.CKM_SHA384,
	"sha512": pkcs11.CKM_SHA512,
}

// DigestCmd digests a file
type DigestCmd struct {
	Hash string `help:"digest mechanism: md5|sha1|sha256|sha384|sha512" default:"sha256" enum:"md5,sha1,sha256,sha384,sha512"`
	File string `kong:"arg" required:"" help:"file to digest, or - for stdin"`
}

// Run the command
func (a *DigestCmd) Run(ctx *Cli) error {
	var data []byte
	var err error
	if a.File == "-" {
		data, err = io.ReadAll(ctx.Reader())
	} else {
		data, err = os.ReadFile(a.File)
	}
	if err != nil {
		return errors.WithStack(err)
	}

	s, err := ctx.Session()
	if err != nil {
		return err
	}
	mech := digestMechanisms[a.Hash]
	if err := s.OperationInit(mechanism.Digest, mech, nil, nil); err != nil {
		return errors.WithMessage(err, "failed to init digest")
	}
	out, _, err := s.OperationSinglePart(mechanism.Digest, data, maxOutput)
	if err != nil {
		return errors.WithMessage(err, "failed to digest")
	}
	fmt.Fprintf(ctx.Writer(), "%s\n", hex.EncodeToString(out))
	return nil
}

// RandCmd generates random bytes
type RandCmd struct {
	Size int `kong:"arg" required:"" help:"number of bytes"`
}

// Run the command
func (a *RandCmd) Run(ctx *Cli) error {
	s, err := ctx.Session()
	if err != nil {
		return err
	}
	buf, err := s.GenerateRandom(a.Size)
	if err != nil {
		return errors.WithMessage(err, "failed to generate random")
	}
	fmt.Fprintf(ctx.Writer(), "%s\n", hex.EncodeToString(buf))
	return nil
}

// maxOutput is a generous output capacity for CLI operations.
const maxOutput = 1 << 20

// SelftestCmd exercises the token end to end
type SelftestCmd struct {
}

// Run the command
func (a *SelftestCmd) Run(ctx *Cli) error {
	s, err := ctx.Session()
	if err != nil {
		return err
	}
	out := ctx.Writer()

	// AES-256-CBC with padding, encrypt and decrypt round trip.
	keyHandle, err := s.GenerateKey(pkcs11.CKM_AES_KEY_GEN, nil, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
	})
	if err != nil {
		return errors.WithMessage(err, "aes: generate")
	}
	key, _ := s.GetObject(keyHandle)
	iv := make([]byte, 16)
	plaintext := []byte("token self test plaintext")
	if err := s.OperationInit(mechanism.Encrypt, pkcs11.CKM_AES_CBC_PAD, iv, key); err != nil {
		return errors.WithMessage(err, "aes: encrypt init")
	}
	ciphertext, _, err := s.OperationSinglePart(mechanism.Encrypt, plaintext, maxOutput)
	if err != nil {
		return errors.WithMessage(err, "aes: encrypt")
	}
	if err := s.OperationInit(mechanism.Decrypt, pkcs11.CKM_AES_CBC_PAD, iv, key); err != nil {
		return errors.WithMessage(err, "aes: decrypt init")
	}
	decrypted, _, err := s.OperationSinglePart(mechanism.Decrypt, ciphertext, maxOutput)
	if err != nil {
		return errors.WithMessage(err, "aes: decrypt")
	}
	if !bytes.Equal(plaintext, decrypted) {
		return errors.Errorf("aes: round trip mismatch")
	}
	fmt.Fprintln(out, "aes-256-cbc-pad: ok")

	// RSA 2048 sign and verify.
	publicHandle, privateHandle, err := s.GenerateKeyPair(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil,
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, 2048),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		},
		[]*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		})
	if err != nil {
		return errors.WithMessage(err, "rsa: generate")
	}
	publicKey, _ := s.GetObject(publicHandle)
	privateKey, _ := s.GetObject(privateHandle)
	if err := s.OperationInit(mechanism.Sign, pkcs11.CKM_SHA256_RSA_PKCS, nil, privateKey); err != nil {
		return errors.WithMessage(err, "rsa: sign init")
	}
	signature, _, err := s.OperationSinglePart(mechanism.Sign, plaintext, maxOutput)
	if err != nil {
		return errors.WithMessage(err, "rsa: sign")
	}
	if err := s.OperationInit(mechanism.Verify, pkcs11.CKM_SHA256_RSA_PKCS, nil, publicKey); err != nil {
		return errors.WithMessage(err, "rsa: verify init")
	}
	if _, _, err := s.OperationUpdate(mechanism.Verify, plaintext, maxOutput); err != nil {
		return errors.WithMessage(err, "rsa: verify update")
	}
	if err := s.VerifyFinal(signature); err != nil {
		return errors.WithMessage(err, "rsa: verify")
	}
	fmt.Fprintln(out, "rsa-2048-sha256: ok")

	return nil
}
