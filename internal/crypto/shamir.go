package crypto

import "fmt"

// Share is one point on the polynomial used to split a secret: X is the
// share index (1-255, never 0) and Y holds one byte of the secret per
// coordinate, matching the secret's length.
type Share struct {
	X byte
	Y []byte
}

// gf256Exp and gf256Log are precomputed tables for GF(2^8) multiplication
// using generator 0x03, the standard choice for Shamir implementations.
var (
	gf256Exp [255]byte
	gf256Log [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gf256Exp[i] = x
		gf256Log[x] = byte(i)
		x = gf256Mul(x, 3)
	}
}

// gf256Mul multiplies two bytes in GF(2^8) with the AES reduction
// polynomial, using the peasant's algorithm. It runs in constant time
// with respect to its inputs.
func gf256Mul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		hiBitSet := a & 0x80
		a <<= 1
		if hiBitSet != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gf256MulTable(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	logSum := int(gf256Log[a]) + int(gf256Log[b])
	return gf256Exp[logSum%255]
}

func gf256Div(a, b byte) byte {
	if a == 0 {
		return 0
	}
	if b == 0 {
		panic("crypto: division by zero in GF(256)")
	}
	logDiff := (int(gf256Log[a]) - int(gf256Log[b]) + 255) % 255
	return gf256Exp[logDiff]
}

// Split divides secret into n shares such that any k of them reconstruct
// it exactly, and any fewer reveal nothing. n must be in [2,255] and k in
// [2,n].
func Split(secret []byte, n, k int) ([]Share, error) {
	if n < 2 || n > 255 {
		return nil, fmt.Errorf("shamir: n must be in [2,255], got %d", n)
	}
	if k < 2 || k > n {
		return nil, fmt.Errorf("shamir: k must be in [2,%d], got %d", n, k)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("shamir: secret must not be empty")
	}

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{X: byte(i + 1), Y: make([]byte, len(secret))}
	}

	for byteIdx, secretByte := range secret {
		coeffs, err := RandomBytes(k - 1)
		if err != nil {
			return nil, fmt.Errorf("shamir: generating coefficients: %w", err)
		}

		for i, share := range shares {
			shares[i].Y[byteIdx] = evalPolynomial(secretByte, coeffs, share.X)
		}
	}

	return shares, nil
}

// evalPolynomial evaluates, at point x, the degree-(len(coeffs)) polynomial
// whose constant term is constant and whose remaining coefficients are
// coeffs, all over GF(2^8).
func evalPolynomial(constant byte, coeffs []byte, x byte) byte {
	result := constant
	xPow := byte(1)
	for _, c := range coeffs {
		xPow = gf256MulTable(xPow, x)
		result ^= gf256MulTable(c, xPow)
	}
	return result
}

// Combine reconstructs the original secret from k or more shares via
// Lagrange interpolation at x=0. It returns an error if fewer than 2
// shares are given or if two shares carry the same X; these are plain
// errors, not distinct error kinds. Both are caller errors distinct from
// a wrong-share set, which Combine cannot detect and will instead silently reconstruct
// the wrong secret (callers must verify the result independently, e.g.
// via the encrypted DMK's AEAD tag).
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("shamir: need at least 2 shares, got %d", len(shares))
	}

	secretLen := len(shares[0].Y)
	seen := make(map[byte]struct{}, len(shares))
	for _, s := range shares {
		if len(s.Y) != secretLen {
			return nil, fmt.Errorf("shamir: inconsistent share lengths")
		}
		if s.X == 0 {
			return nil, fmt.Errorf("shamir: share index must not be zero")
		}
		if _, dup := seen[s.X]; dup {
			return nil, fmt.Errorf("shamir: duplicate share index %d", s.X)
		}
		seen[s.X] = struct{}{}
	}

	secret := make([]byte, secretLen)
	for byteIdx := 0; byteIdx < secretLen; byteIdx++ {
		secret[byteIdx] = lagrangeInterpolateZero(shares, byteIdx)
	}
	return secret, nil
}

// lagrangeInterpolateZero evaluates the unique interpolating polynomial
// through the given shares' byteIdx-th coordinate at x=0.
func lagrangeInterpolateZero(shares []Share, byteIdx int) byte {
	var result byte
	for i, si := range shares {
		num := byte(1)
		den := byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			num = gf256MulTable(num, sj.X)
			den = gf256MulTable(den, si.X^sj.X)
		}
		term := gf256MulTable(si.Y[byteIdx], gf256Div(num, den))
		result ^= term
	}
	return result
}
