// Package rsagen generates RSA key pairs with a caller-chosen public
// exponent using big-integer arithmetic. The standard library's
// rsa.GenerateKey hard-codes the exponent, which PKCS#11 templates may
// override.
package rsagen

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/pkg/errors"
)

var one = big.NewInt(1)

// GenerateKeyPair generates an RSA private key with the given modulus
// bit length and public exponent. The exponent must be odd and greater
// than 1.
func GenerateKeyPair(modulusBits int, publicExponent *big.Int) (*rsa.PrivateKey, error) {
	if modulusBits < 16 {
		return nil, errors.Errorf("modulus too small: %d bits", modulusBits)
	}
	if publicExponent.Cmp(one) <= 0 || publicExponent.Bit(0) == 0 {
		return nil, errors.Errorf("invalid public exponent")
	}
	if !publicExponent.IsInt64() || publicExponent.Int64() > int64(^uint32(0)) {
		return nil, errors.Errorf("public exponent too large")
	}

	e := int(publicExponent.Int64())
	pBits := (modulusBits + 1) / 2
	qBits := modulusBits - pBits

	for {
		p, err := genPrime(pBits, publicExponent)
		if err != nil {
			return nil, err
		}
		q, err := genPrime(qBits, publicExponent)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		if n.BitLen() != modulusBits {
			continue
		}

		pm1 := new(big.Int).Sub(p, one)
		qm1 := new(big.Int).Sub(q, one)
		phi := new(big.Int).Mul(pm1, qm1)

		d := new(big.Int).ModInverse(publicExponent, phi)
		if d == nil {
			continue
		}

		key := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{
				N: n,
				E: e,
			},
			D:      d,
			Primes: []*big.Int{p, q},
		}
		key.Precompute()
		return key, nil
	}
}

// genPrime returns a random prime of the given bit length such that
// e does not divide p-1.
func genPrime(bits int, e *big.Int) (*big.Int, error) {
	gcd := new(big.Int)
	pm1 := new(big.Int)
	for {
		p, err := rand.Prime(rand.Reader, bits)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		pm1.Sub(p, one)
		gcd.GCD(nil, nil, e, pm1)
		if gcd.Cmp(one) == 0 {
			return p, nil
		}
	}
}
