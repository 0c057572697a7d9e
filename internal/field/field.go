// field.go - Canonical encoding and decoding of BN254 scalar field elements.
//
// Every field element crosses two wire formats that must stay losslessly
// convertible: the canonical form (0x-prefixed, 64 lowercase hex digits,
// big-endian) used for human and off-chain exchange, and the ledger form
// (32-byte little-endian array) used wherever the execution environment
// stores or hashes the value.

package field

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ByteLen is the fixed on-chain width of a field element.
const ByteLen = 32

// ErrInvalidEncoding is returned when an input cannot be parsed as a field
// element in any of the accepted forms (0x-hex, bare hex, decimal).
var ErrInvalidEncoding = errors.New("invalid field element encoding")

// Zero is the canonical form of the zero field element.
const Zero = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Canonicalize parses a 0x-prefixed hex string, a bare hex string, or a
// decimal string, reduces the value modulo the BN254 scalar field, and
// returns the canonical form: 0x followed by exactly 64 lowercase hex digits.
func Canonicalize(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidEncoding)
	}
	v := new(big.Int)
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		if _, ok := v.SetString(s[2:], 16); !ok {
			return "", fmt.Errorf("%w: %q is not hexadecimal", ErrInvalidEncoding, input)
		}
	default:
		// Decimal takes precedence for all-digit strings; anything else
		// must parse as bare hex.
		if _, ok := v.SetString(s, 10); !ok {
			if _, ok := v.SetString(s, 16); !ok {
				return "", fmt.Errorf("%w: %q", ErrInvalidEncoding, input)
			}
		}
	}
	if v.Sign() < 0 {
		return "", fmt.Errorf("%w: negative value %q", ErrInvalidEncoding, input)
	}
	v.Mod(v, fr.Modulus())
	return FromBig(v), nil
}

// FromBig returns the canonical form of a non-negative integer already known
// to be below the field modulus.
func FromBig(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}

// FromUint64 returns the canonical form of a uint64.
func FromUint64(v uint64) string {
	return fmt.Sprintf("0x%064x", v)
}

// FromElement returns the canonical form of a field element.
func FromElement(e *fr.Element) string {
	b := e.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// ToElement parses a canonical hex string into a field element. The input
// must be exactly the canonical form produced by Canonicalize.
func ToElement(canonical string) (fr.Element, error) {
	var e fr.Element
	raw, err := decodeCanonical(canonical)
	if err != nil {
		return e, err
	}
	e.SetBytes(raw[:])
	return e, nil
}

// ToBig parses a canonical hex string into a big integer.
func ToBig(canonical string) (*big.Int, error) {
	raw, err := decodeCanonical(canonical)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw[:]), nil
}

// ToLedgerBytes converts a canonical hex string to the 32-byte little-endian
// ledger form.
func ToLedgerBytes(canonical string) ([ByteLen]byte, error) {
	raw, err := decodeCanonical(canonical)
	if err != nil {
		return [ByteLen]byte{}, err
	}
	reverse(raw[:])
	return raw, nil
}

// ToLedgerBytesSized behaves like ToLedgerBytes but pads or truncates the
// result to the requested length. Lengths other than 32 only occur in legacy
// account layouts.
func ToLedgerBytesSized(canonical string, length int) ([]byte, error) {
	raw, err := decodeCanonical(canonical)
	if err != nil {
		return nil, err
	}
	reverse(raw[:])
	out := make([]byte, length)
	copy(out, raw[:])
	return out, nil
}

// ToCanonical converts a little-endian ledger byte array back to the
// canonical hex form. Inputs shorter than 32 bytes are treated as
// zero-padded on the high end.
func ToCanonical(ledger []byte) string {
	buf := make([]byte, len(ledger))
	copy(buf, ledger)
	reverse(buf)
	v := new(big.Int).SetBytes(buf)
	return FromBig(v)
}

// decodeCanonical strictly validates the canonical form and returns the
// big-endian 32-byte value.
func decodeCanonical(canonical string) ([ByteLen]byte, error) {
	var out [ByteLen]byte
	if len(canonical) != 2+2*ByteLen || !strings.HasPrefix(canonical, "0x") {
		return out, fmt.Errorf("%w: %q is not canonical hex", ErrInvalidEncoding, canonical)
	}
	raw, err := hex.DecodeString(canonical[2:])
	if err != nil {
		return out, fmt.Errorf("%w: %q is not canonical hex", ErrInvalidEncoding, canonical)
	}
	if strings.ToLower(canonical) != canonical {
		return out, fmt.Errorf("%w: canonical hex must be lowercase", ErrInvalidEncoding)
	}
	copy(out[:], raw)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
