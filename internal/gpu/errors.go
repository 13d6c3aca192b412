package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Sentinel errors.
var (
	// ErrTimeout is returned when a semaphore wait times out.
	ErrTimeout = errors.New("gpu: wait timed out")

	// ErrOutOfMemory is matched by out-of-host and out-of-device memory results.
	ErrOutOfMemory = errors.New("gpu: out of memory")

	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("gpu: unsupported operation")
)

// Result is an API result code. Values match VkResult.
type Result int32

// Result codes.
const (
	Success                   Result = 0
	NotReady                  Result = 1
	Timeout                   Result = 2
	Incomplete                Result = 5
	ErrorOutOfHostMemory      Result = -1
	ErrorOutOfDeviceMemory    Result = -2
	ErrorInitializationFailed Result = -3
	ErrorDeviceLost           Result = -4
	ErrorMemoryMapFailed      Result = -5
	ErrorLayerNotPresent      Result = -6
	ErrorExtensionNotPresent  Result = -7
	ErrorFeatureNotPresent    Result = -8
	ErrorIncompatibleDriver   Result = -9
	ErrorTooManyObjects       Result = -10
	ErrorFormatNotSupported   Result = -11
	ErrorFragmentedPool       Result = -12
	ErrorUnknown              Result = -13
	ErrorOutOfPoolMemory      Result = -1000069000
	ErrorInvalidShader        Result = -1000012000
)

var resultNames = map[Result]string{
	Success:                   "VK_SUCCESS",
	NotReady:                  "VK_NOT_READY",
	Timeout:                   "VK_TIMEOUT",
	Incomplete:                "VK_INCOMPLETE",
	ErrorOutOfHostMemory:      "VK_ERROR_OUT_OF_HOST_MEMORY",
	ErrorOutOfDeviceMemory:    "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	ErrorInitializationFailed: "VK_ERROR_INITIALIZATION_FAILED",
	ErrorDeviceLost:           "VK_ERROR_DEVICE_LOST",
	ErrorMemoryMapFailed:      "VK_ERROR_MEMORY_MAP_FAILED",
	ErrorLayerNotPresent:      "VK_ERROR_LAYER_NOT_PRESENT",
	ErrorExtensionNotPresent:  "VK_ERROR_EXTENSION_NOT_PRESENT",
	ErrorFeatureNotPresent:    "VK_ERROR_FEATURE_NOT_PRESENT",
	ErrorIncompatibleDriver:   "VK_ERROR_INCOMPATIBLE_DRIVER",
	ErrorTooManyObjects:       "VK_ERROR_TOO_MANY_OBJECTS",
	ErrorFormatNotSupported:   "VK_ERROR_FORMAT_NOT_SUPPORTED",
	ErrorFragmentedPool:       "VK_ERROR_FRAGMENTED_POOL",
	ErrorUnknown:              "VK_ERROR_UNKNOWN",
	ErrorOutOfPoolMemory:      "VK_ERROR_OUT_OF_POOL_MEMORY",
	ErrorInvalidShader:        "VK_ERROR_INVALID_SHADER_NV",
}

// String returns the API name of the result code.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

// Error describes a failed device call.
type Error struct {
	// Op is the API entry point that failed, e.g. "vkAllocateMemory".
	Op string
	// Result is the code it returned.
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Result, int32(e.Result))
}

// Unwrap maps result codes to sentinels so callers can use errors.Is.
func (e *Error) Unwrap() error {
	switch e.Result {
	case ErrorDeviceLost:
		return hal.ErrDeviceLost
	case ErrorOutOfHostMemory, ErrorOutOfDeviceMemory:
		return ErrOutOfMemory
	case Timeout:
		return ErrTimeout
	}
	return nil
}

// Check returns nil for non-negative results and *Error otherwise.
func Check(op string, r Result) error {
	if r >= 0 {
		return nil
	}
	return &Error{Op: op, Result: r}
}

// ResultOf extracts the result code from err, if it carries one.
func ResultOf(err error) (Result, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Result, true
	}
	return Success, false
}
