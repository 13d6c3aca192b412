package software

import (
	"encoding/binary"
	"math/bits"
)

// Entry points the CPU kernel implements.
const (
	EntryMain128 = "main128"
	EntryMain256 = "main256"
)

// Step count values with special meaning.
const (
	stepsOverflow  = 0
	stepsSaturated = 0xFFFF
)

// kernelWidth returns the iteration width in bits for an entry point, or 0.
func kernelWidth(entry string) int {
	switch entry {
	case EntryMain128:
		return 128
	case EntryMain256:
		return 256
	}
	return 0
}

// Steps returns the Collatz step count of the 128-bit value hi:lo computed
// with width-bit intermediates. It returns 0 when a trajectory overflows
// the width and 0xFFFF when it does not reach 1 within 0xFFFF steps.
func Steps(lo, hi uint64, width int) uint16 {
	limbs := width / 64
	n := [4]uint64{lo, hi}
	if lo == 0 && hi == 0 {
		return stepsOverflow
	}
	var steps uint32
	for !(n[0] == 1 && n[1]|n[2]|n[3] == 0) {
		if steps == stepsSaturated {
			return stepsSaturated
		}
		if n[0]&1 == 0 {
			for i := 0; i < limbs; i++ {
				n[i] >>= 1
				if i+1 < limbs {
					n[i] |= n[i+1] << 63
				}
			}
		} else {
			// n = 3n + 1
			carry := uint64(1)
			for i := 0; i < limbs; i++ {
				ph, pl := bits.Mul64(n[i], 3)
				var c uint64
				n[i], c = bits.Add64(pl, carry, 0)
				carry = ph + c
			}
			if carry != 0 {
				return stepsOverflow
			}
		}
		steps++
	}
	return uint16(steps) //nolint:gosec // G115: steps < 0xFFFF here
}

// runKernel evaluates lanes [first, last) of one dispatch.
func runKernel(width int, in, out []byte, first, last int) {
	for i := first; i < last; i++ {
		lo := binary.LittleEndian.Uint64(in[i*16:])
		hi := binary.LittleEndian.Uint64(in[i*16+8:])
		binary.LittleEndian.PutUint16(out[i*2:], Steps(lo, hi, width))
	}
}
