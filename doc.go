// Package collatz searches for Collatz step-count records on a GPU.
//
// # Overview
//
// A record is an odd start value whose total stopping time exceeds the
// stopping time of every smaller value. collatz streams batches of odd
// start values to a compute device, lets a kernel count steps for each
// lane and folds the counts back into the running record on the host.
// Transfer and compute overlap across several in-flight slots, each
// tracked by a timeline semaphore.
//
// # Quick Start
//
//	cfg := collatz.DefaultConfig()
//	cfg.MaxRounds = 100
//	out, err := collatz.Search(ctx, cfg, collatz.WithOutput(os.Stdout))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Result.State.Best.Value)
//
// # Backends
//
// The vulkan backend drives a real device through the Vulkan bindings of
// gogpu/wgpu. The software backend implements the same device interface on
// the CPU and runs the kernel in Go; it exists for tests and machines
// without a GPU.
//
// # Architecture
//
// The engine is organized into:
//   - Device access: internal/gpu with the vulkan and software backends
//   - Setup: selector, layout, buffers, pipeline, commands, composed by
//     internal/session
//   - Execution: schedule (submission loop) and records (reduction)
//   - Ambient: config, progress, report, console, power
//
// # Logging
//
// Nothing is logged by default. Use [SetLogger] to enable output.
package collatz
