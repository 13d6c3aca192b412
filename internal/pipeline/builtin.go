package pipeline

import (
	"fmt"
	"strings"

	"github.com/gogpu/naga"
)

// builtinKernelWGSL evaluates one start value per invocation using 32-bit
// limbs. Binding 0 holds start values as four little-endian limbs, binding
// 1 holds 16-bit step counts packed two per word. Lanes sharing a word
// update their half with atomics.
//
// WORKGROUP_SIZE is replaced before compilation.
const builtinKernelWGSL = `
@group(0) @binding(0) var<storage, read> values: array<vec4<u32>>;
@group(0) @binding(1) var<storage, read_write> counts: array<atomic<u32>>;

const LIMIT: u32 = 65535u;

fn steps(start: vec4<u32>, limbs: u32) -> u32 {
    if ((start.x | start.y | start.z | start.w) == 0u) {
        return 0u;
    }
    var n: array<u32, 8>;
    n[0] = start.x;
    n[1] = start.y;
    n[2] = start.z;
    n[3] = start.w;
    var count: u32 = 0u;
    loop {
        var rest: u32 = 0u;
        for (var i: u32 = 1u; i < limbs; i = i + 1u) {
            rest = rest | n[i];
        }
        if (n[0] == 1u && rest == 0u) {
            break;
        }
        if (count == LIMIT) {
            return LIMIT;
        }
        if ((n[0] & 1u) == 0u) {
            for (var i: u32 = 0u; i < limbs; i = i + 1u) {
                var next: u32 = 0u;
                if (i + 1u < limbs) {
                    next = n[i + 1u] << 31u;
                }
                n[i] = (n[i] >> 1u) | next;
            }
        } else {
            var carry: u32 = 1u;
            for (var i: u32 = 0u; i < limbs; i = i + 1u) {
                let x = n[i];
                let lo = (x & 0xFFFFu) * 3u + carry;
                let hi = (x >> 16u) * 3u + (lo >> 16u);
                n[i] = (lo & 0xFFFFu) | (hi << 16u);
                carry = hi >> 16u;
            }
            if (carry != 0u) {
                return 0u;
            }
        }
        count = count + 1u;
    }
    return count;
}

fn store(lane: u32, value: u32) {
    let word = lane >> 1u;
    let shift = (lane & 1u) * 16u;
    atomicAnd(&counts[word], ~(0xFFFFu << shift));
    atomicOr(&counts[word], value << shift);
}

@compute @workgroup_size(WORKGROUP_SIZE)
fn main128(@builtin(global_invocation_id) id: vec3<u32>) {
    store(id.x, steps(values[id.x], 4u));
}

@compute @workgroup_size(WORKGROUP_SIZE)
fn main256(@builtin(global_invocation_id) id: vec3<u32>) {
    store(id.x, steps(values[id.x], 8u));
}
`

// BuiltinSource returns the built-in kernel with the workgroup size baked
// in.
func BuiltinSource(workgroupSize uint32) string {
	return strings.ReplaceAll(builtinKernelWGSL, "WORKGROUP_SIZE", fmt.Sprint(workgroupSize))
}

// CompileBuiltin compiles the built-in kernel to SPIR-V.
func CompileBuiltin(workgroupSize uint32) ([]uint32, error) {
	spirvBytes, err := naga.Compile(BuiltinSource(workgroupSize))
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile builtin kernel: %w", err)
	}
	return spirvWords(spirvBytes)
}
