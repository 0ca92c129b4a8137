package field

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// modulus is the scalar field of BN254, the field every circuit signal and
// on-chain commitment lives in. Taken from gnark-crypto so it cannot drift
// from the proving system's own constant.
var modulus = fr.Modulus()

// Modulus returns a copy of the field prime.
func Modulus() *big.Int {
	return new(big.Int).Set(modulus)
}

// Normalize reduces v into [0, modulus). Negative inputs are corrected by
// adding the modulus after reduction, matching the ledger contract's
// arithmetic.
func Normalize(v *big.Int) *big.Int {
	r := new(big.Int).Mod(v, modulus)
	if r.Sign() < 0 {
		r.Add(r, modulus)
	}
	return r
}

// Add returns (a + b) mod p.
func Add(a, b *big.Int) *big.Int {
	return Normalize(new(big.Int).Add(a, b))
}

// Sub returns (a - b) mod p with explicit correction of negative results.
func Sub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	r.Mod(r, modulus)
	if r.Sign() < 0 {
		r.Add(r, modulus)
	}
	return r
}

// Mul returns (a * b) mod p.
func Mul(a, b *big.Int) *big.Int {
	return Normalize(new(big.Int).Mul(a, b))
}

// trimHex removes an optional 0x/0X prefix.
func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// FromAny converts the heterogeneous encodings seen at the system boundary
// into a canonical field element. Accepted forms: *big.Int, []byte, integer
// types, decimal strings, 0x-prefixed hex strings and comma-separated byte
// lists ("1,2,3").
func FromAny(v interface{}) (*big.Int, error) {
	switch val := v.(type) {
	case nil:
		return big.NewInt(0), nil
	case *big.Int:
		if val == nil {
			return big.NewInt(0), nil
		}
		return Normalize(val), nil
	case big.Int:
		return Normalize(&val), nil
	case []byte:
		return Normalize(new(big.Int).SetBytes(val)), nil
	case int:
		return Normalize(big.NewInt(int64(val))), nil
	case int64:
		return Normalize(big.NewInt(val)), nil
	case uint64:
		return Normalize(new(big.Int).SetUint64(val)), nil
	case string:
		return fromString(val)
	default:
		return nil, fmt.Errorf("unsupported field element encoding %T", v)
	}
}

func fromString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(trimHex(s), 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex field element %q", s)
		}
		return Normalize(n), nil
	}
	if strings.Contains(s, ",") {
		// comma-separated byte list, big-endian
		parts := strings.Split(s, ",")
		buf := make([]byte, 0, len(parts))
		for _, p := range parts {
			b, ok := new(big.Int).SetString(strings.TrimSpace(p), 10)
			if !ok || b.Sign() < 0 || b.Cmp(big.NewInt(255)) > 0 {
				return nil, fmt.Errorf("invalid byte list element %q", p)
			}
			buf = append(buf, byte(b.Uint64()))
		}
		return Normalize(new(big.Int).SetBytes(buf)), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal field element %q", s)
	}
	return Normalize(n), nil
}

// Decimal returns the canonical decimal-string form used for circuit inputs.
func Decimal(v *big.Int) string {
	return Normalize(v).String()
}

// DecimalFromAny normalizes any accepted encoding straight to its canonical
// decimal-string form.
func DecimalFromAny(v interface{}) (string, error) {
	n, err := FromAny(v)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}
