// Package selector picks the device, queue families and memory types the
// search runs on.
//
// Selection is a pure function of enumerated DeviceInfo values. Devices
// missing a mandatory capability are rejected with a reason; survivors are
// scored and the highest score wins, the first found on ties.
package selector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/collatz/internal/gpu"
)

// ErrNoSuitableDevice is returned when no device passes the mandatory checks.
var ErrNoSuitableDevice = errors.New("selector: no suitable device")

// ErrDeviceIndex is returned when a forced device index does not exist or
// does not qualify.
var ErrDeviceIndex = errors.New("selector: requested device is not usable")

// Optional extensions worth enabling when present.
const (
	ExtMemoryBudget              = "VK_EXT_memory_budget"
	ExtMemoryPriority            = "VK_EXT_memory_priority"
	ExtPageableDeviceLocalMemory = "VK_EXT_pageable_device_local_memory"
	ExtMaintenance4              = "VK_KHR_maintenance4"
)

// OptionalExtensions are scored +10 each and enabled when present.
var OptionalExtensions = []string{
	ExtMemoryBudget,
	ExtMemoryPriority,
	ExtPageableDeviceLocalMemory,
	ExtMaintenance4,
}

// MinAPIVersion is the oldest API version accepted.
var MinAPIVersion = gpu.MakeVersion(1, 2, 0)

// Score weights.
const (
	scorePerAPITier       = 50
	scoreDiscrete         = 10000
	scoreShaderInt        = 1000
	scoreDeviceOnlyMemory = 50
	scoreHostCachedNonCoh = 1000
	scoreHostCached       = 500
	scoreHostNonCoherent  = 100
	scoreDedicatedQueue   = 100
	scorePerOptionalExt   = 10
)

// Options control selection.
type Options struct {
	// AllowInt16 and AllowInt64 let the selector enable 16/64-bit shader
	// integers when the device has them.
	AllowInt16 bool
	AllowInt64 bool
	// DeviceIndex forces a device; negative selects automatically.
	DeviceIndex int
}

// DefaultOptions enables both integer widths and automatic selection.
func DefaultOptions() Options {
	return Options{AllowInt16: true, AllowInt64: true, DeviceIndex: -1}
}

// Candidate is the evaluation of one device.
type Candidate struct {
	Info           gpu.DeviceInfo
	Rejected       string
	Score          int
	ComputeFamily  uint32
	TransferFamily uint32
	DeviceType     uint32
	HostType       uint32
}

// Qualified reports whether the device passed every mandatory check.
func (c *Candidate) Qualified() bool { return c.Rejected == "" }

// Selection is the chosen device and how to open it.
type Selection struct {
	Info  gpu.DeviceInfo
	Score int

	ComputeFamily  uint32
	TransferFamily uint32

	// DeviceMemoryType and HostMemoryType index Info.MemoryTypes.
	DeviceMemoryType uint32
	HostMemoryType   uint32

	// Features and Extensions are what the device is opened with.
	Features   gpu.Features
	Extensions []string
}

// DeviceHeap returns the heap index of the device-local memory type.
func (s *Selection) DeviceHeap() uint32 { return s.Info.MemoryTypes[s.DeviceMemoryType].Heap }

// HostHeap returns the heap index of the host-visible memory type.
func (s *Selection) HostHeap() uint32 { return s.Info.MemoryTypes[s.HostMemoryType].Heap }

// HostFlags returns the property flags of the host-visible memory type.
func (s *Selection) HostFlags() gpu.MemoryFlags { return s.Info.MemoryTypes[s.HostMemoryType].Flags }

// SharedFamilies reports whether transfer and compute use one family.
func (s *Selection) SharedFamilies() bool { return s.TransferFamily == s.ComputeFamily }

// Tier returns the API tier directory name, "1.2" or "1.3".
func (s *Selection) Tier() string {
	if s.Info.APIVersion >= gpu.MakeVersion(1, 3, 0) {
		return "1.3"
	}
	return "1.2"
}

// Request builds the device request for the selection. Transfer and compute
// get one queue each; a shared family gets two queues when it has them.
func (s *Selection) Request() gpu.DeviceRequest {
	req := gpu.DeviceRequest{
		Index:      s.Info.Index,
		Features:   s.Features,
		Extensions: s.Extensions,
	}
	if s.SharedFamilies() {
		n := uint32(1)
		if s.Info.QueueFamilies[s.ComputeFamily].Count > 1 {
			n = 2
		}
		req.Queues = []gpu.QueueRequest{{Family: s.ComputeFamily, Count: n}}
		return req
	}
	req.Queues = []gpu.QueueRequest{
		{Family: s.ComputeFamily, Count: 1},
		{Family: s.TransferFamily, Count: 1},
	}
	return req
}

// QueueIndices returns the queue index within its family for compute and
// transfer, matching Request.
func (s *Selection) QueueIndices() (compute, transfer uint32) {
	if s.SharedFamilies() && s.Info.QueueFamilies[s.ComputeFamily].Count > 1 {
		return 0, 1
	}
	return 0, 0
}

// Adapter summarizes the device for display.
func (s *Selection) Adapter() gpucontext.AdapterInfo {
	return AdapterSummary(s.Info.Adapter)
}

// AdapterSummary converts a detailed adapter description to the short form.
func AdapterSummary(a gputypes.AdapterInfo) gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch a.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		t = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		t = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: a.Name, Type: t}
}

// Select evaluates every device and returns the winner together with all
// candidates, qualified or not, in enumeration order.
func Select(infos []gpu.DeviceInfo, opts Options) (Selection, []Candidate, error) {
	cands := make([]Candidate, len(infos))
	best := -1
	for i := range infos {
		cands[i] = Evaluate(infos[i], opts)
		if !cands[i].Qualified() {
			continue
		}
		if opts.DeviceIndex >= 0 {
			if infos[i].Index == opts.DeviceIndex {
				best = i
			}
			continue
		}
		// Strictly greater keeps the first of equal scores.
		if best < 0 || cands[i].Score > cands[best].Score {
			best = i
		}
	}
	if best < 0 {
		if opts.DeviceIndex >= 0 {
			return Selection{}, cands, fmt.Errorf("%w: index %d", ErrDeviceIndex, opts.DeviceIndex)
		}
		return Selection{}, cands, fmt.Errorf("%w (%d enumerated)", ErrNoSuitableDevice, len(infos))
	}
	return newSelection(cands[best], opts), cands, nil
}

func newSelection(c Candidate, opts Options) Selection {
	info := c.Info
	s := Selection{
		Info:             info,
		Score:            c.Score,
		ComputeFamily:    c.ComputeFamily,
		TransferFamily:   c.TransferFamily,
		DeviceMemoryType: c.DeviceType,
		HostMemoryType:   c.HostType,
	}
	s.Features = gpu.Features{
		StorageBuffer16BitAccess: true,
		Synchronization2:         true,
		TimelineSemaphore:        true,
		ShaderInt16:              opts.AllowInt16 && info.Features.ShaderInt16,
		ShaderInt64:              opts.AllowInt64 && info.Features.ShaderInt64,
		HostQueryReset:           info.Features.HostQueryReset,
	}
	for _, ext := range OptionalExtensions {
		if !info.HasExtension(ext) {
			continue
		}
		switch ext {
		case ExtMemoryPriority:
			if !info.Features.MemoryPriority {
				continue
			}
			s.Features.MemoryPriority = true
		case ExtMaintenance4:
			s.Features.Maintenance4 = info.Features.Maintenance4
			if info.APIVersion >= gpu.MakeVersion(1, 3, 0) {
				// Core in 1.3, enabled through the feature struct only.
				continue
			}
		case ExtPageableDeviceLocalMemory:
			// Requires memory priority.
			if !info.HasExtension(ExtMemoryPriority) || !info.Features.MemoryPriority {
				continue
			}
		}
		s.Extensions = append(s.Extensions, ext)
	}
	return s
}

// Evaluate checks the mandatory capabilities of one device and scores it.
func Evaluate(info gpu.DeviceInfo, opts Options) Candidate {
	c := Candidate{Info: info}
	reject := func(format string, args ...any) Candidate {
		c.Rejected = fmt.Sprintf(format, args...)
		c.Score = 0
		return c
	}

	if info.APIVersion < MinAPIVersion {
		return reject("API version %s below %s", info.APIVersion, MinAPIVersion)
	}
	f := info.Features
	var missing []string
	if !f.StorageBuffer16BitAccess {
		missing = append(missing, "storageBuffer16BitAccess")
	}
	if !f.Synchronization2 {
		missing = append(missing, "synchronization2")
	}
	if !f.TimelineSemaphore {
		missing = append(missing, "timelineSemaphore")
	}
	if len(missing) > 0 {
		return reject("missing features: %s", strings.Join(missing, ", "))
	}

	devType, ok := pickDeviceMemory(info)
	if !ok {
		return reject("no device-local memory type")
	}
	hostType, ok := pickHostMemory(info)
	if !ok {
		return reject("no host-visible memory type")
	}
	c.DeviceType, c.HostType = devType, hostType

	compute, ok := pickFamily(info.QueueFamilies, gpu.QueueCompute)
	if !ok {
		return reject("no compute queue family")
	}
	transfer, ok := pickFamily(info.QueueFamilies, gpu.QueueTransfer)
	if !ok || !isExact(info.QueueFamilies[transfer].Flags, gpu.QueueTransfer) {
		// Without a transfer-only family the compute family carries the copies.
		transfer = compute
	}
	c.ComputeFamily, c.TransferFamily = compute, transfer

	c.Score = score(info, opts, c)
	return c
}

func score(info gpu.DeviceInfo, opts Options, c Candidate) int {
	s := 0
	if minor := info.APIVersion.Minor(); info.APIVersion.Major() == 1 && minor > MinAPIVersion.Minor() {
		s += scorePerAPITier * int(minor-MinAPIVersion.Minor())
	}
	if info.Adapter.DeviceType == gputypes.DeviceTypeDiscreteGPU {
		s += scoreDiscrete
	}
	if opts.AllowInt16 && info.Features.ShaderInt16 {
		s += scoreShaderInt
	}
	if opts.AllowInt64 && info.Features.ShaderInt64 {
		s += scoreShaderInt
	}
	if !info.MemoryTypes[c.DeviceType].Flags.Has(gpu.MemoryHostVisible) {
		s += scoreDeviceOnlyMemory
	}
	s += hostCacheScore(info.MemoryTypes[c.HostType].Flags)
	if isExact(info.QueueFamilies[c.TransferFamily].Flags, gpu.QueueTransfer) {
		s += scoreDedicatedQueue
	}
	if isExact(info.QueueFamilies[c.ComputeFamily].Flags, gpu.QueueCompute) {
		s += scoreDedicatedQueue
	}
	for _, ext := range OptionalExtensions {
		if info.HasExtension(ext) {
			s += scorePerOptionalExt
		}
	}
	return s
}

func hostCacheScore(f gpu.MemoryFlags) int {
	cached := f.Has(gpu.MemoryHostCached)
	coherent := f.Has(gpu.MemoryHostCoherent)
	switch {
	case cached && !coherent:
		return scoreHostCachedNonCoh
	case cached:
		return scoreHostCached
	case !coherent:
		return scoreHostNonCoherent
	}
	return 0
}

// queueKinds masks the capability bits that matter for family matching.
const queueKinds = gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer

func isExact(f, want gpu.QueueFlags) bool { return f&queueKinds == want }

// pickFamily prefers a family that can do exactly want, then one without
// graphics, then any family that can do want. Compute and graphics families
// implicitly support transfer.
func pickFamily(families []gpu.QueueFamily, want gpu.QueueFlags) (uint32, bool) {
	capable := func(f gpu.QueueFlags) bool {
		if want == gpu.QueueTransfer {
			return f&queueKinds != 0
		}
		return f.Has(want)
	}
	best, bestRank := -1, 3
	for i, fam := range families {
		if fam.Count == 0 || !capable(fam.Flags) {
			continue
		}
		rank := 2
		switch {
		case isExact(fam.Flags, want):
			rank = 0
		case fam.Flags&gpu.QueueGraphics == 0:
			rank = 1
		}
		if rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint32(best), true //nolint:gosec // G115: family count fits uint32
}

// pickDeviceMemory prefers a device-local type that is not host-visible.
func pickDeviceMemory(info gpu.DeviceInfo) (uint32, bool) {
	best, bestRank := -1, 2
	for i, t := range info.MemoryTypes {
		if !t.Flags.Has(gpu.MemoryDeviceLocal) {
			continue
		}
		rank := 1
		if !t.Flags.Has(gpu.MemoryHostVisible) {
			rank = 0
		}
		if rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint32(best), true //nolint:gosec // G115: at most 32 memory types
}

// pickHostMemory prefers the best host cache tier, then a type outside
// device-local memory.
func pickHostMemory(info gpu.DeviceInfo) (uint32, bool) {
	best, bestScore := -1, -1
	for i, t := range info.MemoryTypes {
		if !t.Flags.Has(gpu.MemoryHostVisible) {
			continue
		}
		s := hostCacheScore(t.Flags) * 2
		if !t.Flags.Has(gpu.MemoryDeviceLocal) {
			s++
		}
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint32(best), true //nolint:gosec // G115: at most 32 memory types
}
