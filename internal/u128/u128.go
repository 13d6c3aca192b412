// Package u128 implements the unsigned 128-bit integer used for search
// cursors and record values.
package u128

import (
	"errors"
	"math/bits"
	"strings"
)

// Errors returned by Parse.
var (
	ErrSyntax   = errors.New("u128: invalid decimal syntax")
	ErrOverflow = errors.New("u128: value does not fit in 128 bits")
)

// Uint128 is an unsigned 128-bit integer. The zero value is 0.
type Uint128 struct {
	Hi, Lo uint64
}

// From64 returns v as a Uint128.
func From64(v uint64) Uint128 { return Uint128{Lo: v} }

// IsZero reports whether u == 0.
func (u Uint128) IsZero() bool { return u.Hi == 0 && u.Lo == 0 }

// Cmp returns -1, 0 or +1 as u is less than, equal to or greater than v.
func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

// Less reports whether u < v.
func (u Uint128) Less(v Uint128) bool { return u.Cmp(v) < 0 }

// Add returns u + v, wrapping on overflow.
func (u Uint128) Add(v Uint128) Uint128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, _ := bits.Add64(u.Hi, v.Hi, carry)
	return Uint128{Hi: hi, Lo: lo}
}

// Add64 returns u + v, wrapping on overflow.
func (u Uint128) Add64(v uint64) Uint128 { return u.Add(From64(v)) }

// Sub64 returns u - v, wrapping on underflow.
func (u Uint128) Sub64(v uint64) Uint128 {
	lo, borrow := bits.Sub64(u.Lo, v, 0)
	hi, _ := bits.Sub64(u.Hi, 0, borrow)
	return Uint128{Hi: hi, Lo: lo}
}

// Mul64 returns u * v and whether the product overflowed 128 bits.
func (u Uint128) Mul64(v uint64) (Uint128, bool) {
	hiLo, lo := bits.Mul64(u.Lo, v)
	hiHi, hiLo2 := bits.Mul64(u.Hi, v)
	hi, carry := bits.Add64(hiLo, hiLo2, 0)
	return Uint128{Hi: hi, Lo: lo}, hiHi != 0 || carry != 0
}

// Double returns 2u and whether the top bit was lost.
func (u Uint128) Double() (Uint128, bool) {
	return Uint128{Hi: u.Hi<<1 | u.Lo>>63, Lo: u.Lo << 1}, u.Hi>>63 != 0
}

// IsOdd reports whether the low bit is set.
func (u Uint128) IsOdd() bool { return u.Lo&1 == 1 }

// String returns the decimal representation of u.
func (u Uint128) String() string {
	if u.Hi == 0 {
		return formatUint(u.Lo)
	}
	const chunk = 10_000_000_000_000_000_000 // 10^19
	var parts []uint64
	for !u.IsZero() {
		var r uint64
		u, r = u.divmod64(chunk)
		parts = append(parts, r)
	}
	var b strings.Builder
	b.WriteString(formatUint(parts[len(parts)-1]))
	for i := len(parts) - 2; i >= 0; i-- {
		s := formatUint(parts[i])
		b.WriteString(strings.Repeat("0", 19-len(s)))
		b.WriteString(s)
	}
	return b.String()
}

func (u Uint128) divmod64(d uint64) (Uint128, uint64) {
	hq, r := bits.Div64(0, u.Hi, d)
	lq, r := bits.Div64(r, u.Lo, d)
	return Uint128{Hi: hq, Lo: lq}, r
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Parse parses a decimal string. Underscores between digits are accepted.
func Parse(s string) (Uint128, error) {
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return Uint128{}, ErrSyntax
	}
	var u Uint128
	for _, c := range s {
		if c < '0' || c > '9' {
			return Uint128{}, ErrSyntax
		}
		var overflow bool
		u, overflow = u.Mul64(10)
		if overflow {
			return Uint128{}, ErrOverflow
		}
		next := u.Add64(uint64(c - '0'))
		if next.Less(u) {
			return Uint128{}, ErrOverflow
		}
		u = next
	}
	return u, nil
}

// MarshalText implements encoding.TextMarshaler.
func (u Uint128) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Uint128) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
