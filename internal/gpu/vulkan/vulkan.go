// Package vulkan implements gpu.Instance on a real Vulkan driver.
//
// It is a thin layer over the pure Go bindings in
// github.com/gogpu/wgpu/hal/vulkan/vk, which load the system loader
// through goffi, so no CGO is involved. Handles cross the gpu interface
// unchanged. Queue submission uses VkSubmitInfo with a chained
// VkTimelineSemaphoreSubmitInfo and barriers use vkCmdPipelineBarrier;
// the binding does not load the synchronization2 entry points, but the
// feature is still enabled because the device selector requires it.
package vulkan

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/gogpu/collatz/internal/gpu"
)

// ErrUnavailable is returned when no Vulkan loader can be used.
var ErrUnavailable = errors.New("vulkan: loader unavailable")

type options struct {
	validation bool
	appName    string
	log        *slog.Logger
}

// Option configures an Instance.
type Option func(*options)

// WithValidation enables VK_LAYER_KHRONOS_validation when it is installed.
func WithValidation(on bool) Option {
	return func(o *options) { o.validation = on }
}

// WithApplicationName sets the name reported to the driver.
func WithApplicationName(name string) Option {
	return func(o *options) { o.appName = name }
}

// WithLogger sets the logger for backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Instance is a Vulkan instance.
type Instance struct {
	handle     vk.Instance
	cmds       vk.Commands
	validation bool
	log        *slog.Logger

	mu       sync.Mutex
	physical []vk.PhysicalDevice
	devices  []*Device
}

var _ gpu.Instance = (*Instance)(nil)

// New loads the Vulkan library and creates an instance targeting API 1.3.
// Drivers that only implement 1.2 still accept it.
func New(opts ...Option) (*Instance, error) {
	o := options{appName: "collatz"}
	for _, fn := range opts {
		fn(&o)
	}
	log := gpu.LoggerOrNop(o.log)

	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	cmds := vk.NewCommands()
	if err := cmds.LoadGlobal(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var layers, extensions []string
	if o.validation {
		if hasLayer(cmds, validationLayer) {
			layers = append(layers, validationLayer)
		} else {
			log.Warn("vulkan: validation requested but layer not installed", "layer", validationLayer)
		}
	}
	// The binding's instance loader insists on the surface query entry
	// points, which only resolve with VK_KHR_surface enabled.
	if hasInstanceExtension(cmds, extSurface) {
		extensions = append(extensions, extSurface)
	}

	appName := cString(o.appName)
	engineName := cString("collatz")
	app := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   uintptr(unsafe.Pointer(&appName[0])),
		ApplicationVersion: uint32(gpu.MakeVersion(1, 0, 0)),
		PEngineName:        uintptr(unsafe.Pointer(&engineName[0])),
		EngineVersion:      uint32(gpu.MakeVersion(1, 0, 0)),
		ApiVersion:         uint32(version13),
	}
	layerPtrs, layerStore := cStrings(layers)
	extPtrs, extStore := cStrings(extensions)
	info := vk.InstanceCreateInfo{
		SType:                 vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:      &app,
		EnabledLayerCount:     uint32(len(layerPtrs)),
		EnabledExtensionCount: uint32(len(extPtrs)),
	}
	if len(layerPtrs) > 0 {
		info.PpEnabledLayerNames = uintptr(unsafe.Pointer(&layerPtrs[0]))
	}
	if len(extPtrs) > 0 {
		info.PpEnabledExtensionNames = uintptr(unsafe.Pointer(&extPtrs[0]))
	}

	var handle vk.Instance
	r := cmds.CreateInstance(&info, nil, &handle)
	runtime.KeepAlive(appName)
	runtime.KeepAlive(engineName)
	runtime.KeepAlive(layerStore)
	runtime.KeepAlive(extStore)
	runtime.KeepAlive(layerPtrs)
	runtime.KeepAlive(extPtrs)
	if err := check("vkCreateInstance", r); err != nil {
		return nil, err
	}
	if err := cmds.LoadInstance(handle); err != nil {
		cmds.DestroyInstance(handle, nil)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	vk.SetDeviceProcAddr(handle)

	log.Info("vulkan: instance created", "validation", len(layers) > 0)
	return &Instance{handle: handle, cmds: *cmds, validation: len(layers) > 0, log: log}, nil
}

// Validation reports whether the validation layer is active.
func (in *Instance) Validation() bool { return in.validation }

// Devices enumerates the physical devices in driver order.
func (in *Instance) Devices() ([]gpu.DeviceInfo, error) {
	var count uint32
	if err := check("vkEnumeratePhysicalDevices", in.cmds.EnumeratePhysicalDevices(in.handle, &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	handles := make([]vk.PhysicalDevice, count)
	if err := check("vkEnumeratePhysicalDevices", in.cmds.EnumeratePhysicalDevices(in.handle, &count, &handles[0])); err != nil {
		return nil, err
	}
	handles = handles[:count]

	in.mu.Lock()
	in.physical = handles
	in.mu.Unlock()

	infos := make([]gpu.DeviceInfo, len(handles))
	for i, pd := range handles {
		infos[i] = in.describe(i, pd)
		in.log.Debug("vulkan: physical device",
			"index", i,
			"name", infos[i].Adapter.Name,
			"type", infos[i].Adapter.DeviceType,
			"api", infos[i].APIVersion)
	}
	return infos, nil
}

func (in *Instance) physicalDevice(index int) (vk.PhysicalDevice, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if index < 0 || index >= len(in.physical) {
		return 0, fmt.Errorf("vulkan: device index %d out of range (%d devices enumerated): %w",
			index, len(in.physical), &gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorInitializationFailed})
	}
	return in.physical[index], nil
}

// Open creates a logical device with the requested queues, features and
// extensions. Devices must have been enumerated first.
func (in *Instance) Open(req gpu.DeviceRequest) (gpu.Device, error) {
	pd, err := in.physicalDevice(req.Index)
	if err != nil {
		return nil, err
	}
	info := in.describe(req.Index, pd)

	extensions := append([]string(nil), req.Extensions...)
	if req.Features.Synchronization2 && info.APIVersion < version13 && !contains(extensions, extSynchronization2) {
		extensions = append(extensions, extSynchronization2)
	}
	has := func(name string) bool { return contains(extensions, name) }
	fs := newFeatureSet(info.APIVersion, has)
	fs.enable(req.Features, has(extPageableDeviceLocalMemory))
	features := fs.link(info.APIVersion)

	priorities := make([][]float32, len(req.Queues))
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(req.Queues))
	for i, q := range req.Queues {
		priorities[i] = make([]float32, q.Count)
		for j := range priorities[i] {
			priorities[i][j] = 1
		}
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: q.Family,
			QueueCount:       q.Count,
			PQueuePriorities: &priorities[i][0],
		}
	}
	extPtrs, extStore := cStrings(extensions)
	create := vk.DeviceCreateInfo{
		SType:                 vk.StructureTypeDeviceCreateInfo,
		PNext:                 (*uintptr)(unsafe.Pointer(features)),
		QueueCreateInfoCount:  uint32(len(queueInfos)),
		EnabledExtensionCount: uint32(len(extPtrs)),
	}
	if len(queueInfos) > 0 {
		create.PQueueCreateInfos = &queueInfos[0]
	}
	if len(extPtrs) > 0 {
		create.PpEnabledExtensionNames = uintptr(unsafe.Pointer(&extPtrs[0]))
	}

	var handle vk.Device
	r := in.cmds.CreateDevice(pd, &create, nil, &handle)
	runtime.KeepAlive(fs)
	runtime.KeepAlive(priorities)
	runtime.KeepAlive(queueInfos)
	runtime.KeepAlive(extPtrs)
	runtime.KeepAlive(extStore)
	if err := check("vkCreateDevice", r); err != nil {
		return nil, err
	}

	d := &Device{
		instance: in,
		handle:   handle,
		cmds:     in.cmds,
		info:     info,
		priority: req.Features.MemoryPriority,
		log:      in.log,
		queues:   make(map[[2]uint32]vk.Queue),
		mapped:   make(map[vk.DeviceMemory]uint64),
		sizes:    make(map[vk.DeviceMemory]uint64),
	}
	if err := d.cmds.LoadDevice(handle); err != nil {
		destroyDevice(handle)
		return nil, fmt.Errorf("vulkan: %w", err)
	}
	if !d.cmds.HasTimelineSemaphore() {
		d.cmds.DestroyDevice(handle, nil)
		return nil, fmt.Errorf("vulkan: timeline semaphore entry points missing: %w",
			&gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorFeatureNotPresent})
	}

	in.mu.Lock()
	in.devices = append(in.devices, d)
	in.mu.Unlock()
	in.log.Info("vulkan: device opened", "name", info.Adapter.Name, "extensions", extensions)
	return d, nil
}

// Destroy releases the instance. Every device must be destroyed first.
func (in *Instance) Destroy() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.handle == 0 {
		return
	}
	for _, d := range in.devices {
		if d.handle != 0 {
			in.log.Warn("vulkan: instance destroyed before device", "device", d.info.Adapter.Name)
		}
	}
	in.cmds.DestroyInstance(in.handle, nil)
	in.handle = 0
	in.devices = nil
}

func hasLayer(cmds *vk.Commands, name string) bool {
	var count uint32
	if cmds.EnumerateInstanceLayerProperties(&count, nil) != vk.Success || count == 0 {
		return false
	}
	props := make([]vk.LayerProperties, count)
	if cmds.EnumerateInstanceLayerProperties(&count, &props[0]) < 0 {
		return false
	}
	for i := range props[:count] {
		if goString(props[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func hasInstanceExtension(cmds *vk.Commands, name string) bool {
	var count uint32
	if cmds.EnumerateInstanceExtensionProperties(0, &count, nil) != vk.Success || count == 0 {
		return false
	}
	props := make([]vk.ExtensionProperties, count)
	if cmds.EnumerateInstanceExtensionProperties(0, &count, &props[0]) < 0 {
		return false
	}
	for i := range props[:count] {
		if goString(props[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
