// Package gpu defines the backend-neutral device interface the search
// engine is written against.
//
// The interface is a thin layer over explicit compute APIs: handles are
// plain integers, memory is allocated and bound by the caller, command
// buffers are recorded once and resubmitted, and queues synchronize only
// through timeline semaphores. Two backends implement it:
//
//   - gpu/vulkan drives a real device through the pure Go Vulkan bindings
//     of github.com/gogpu/wgpu (no CGO).
//   - gpu/software runs every queue on a goroutine and executes recorded
//     commands on the CPU. Tests use it to exercise the scheduler and the
//     command recorder without a GPU.
//
// Failed device calls return *Error, which carries the decoded result code.
// Device loss unwraps to hal.ErrDeviceLost.
package gpu
