package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gogpu/collatz/internal/atomicfile"
	"github.com/gogpu/collatz/internal/gpu"
)

// Vulkan pipeline cache header, version one.
const (
	cacheHeaderMinSize = 32
	cacheHeaderVersion = 1
)

// openCache creates a pipeline cache seeded from path. A missing file or a
// blob without a valid header yields an empty cache; only read errors fail.
// An empty path disables caching and returns 0.
func openCache(dev gpu.Device, path string, log *slog.Logger) (gpu.PipelineCache, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug("pipeline: no pipeline cache yet", "path", path)
		data = nil
	case err != nil:
		return 0, fmt.Errorf("pipeline: read cache: %w", err)
	case !validCacheHeader(data):
		log.Warn("pipeline: ignoring malformed pipeline cache", "path", path, "bytes", len(data))
		data = nil
	}
	cache, err := dev.CreatePipelineCache(data)
	if err != nil {
		return 0, fmt.Errorf("pipeline: create cache: %w", err)
	}
	return cache, nil
}

// validCacheHeader checks the parts of the header that do not depend on the
// device. The driver rejects foreign UUIDs itself.
func validCacheHeader(data []byte) bool {
	if len(data) < cacheHeaderMinSize {
		return false
	}
	size := binary.LittleEndian.Uint32(data[0:])
	version := binary.LittleEndian.Uint32(data[4:])
	return size >= cacheHeaderMinSize && uint64(size) <= uint64(len(data)) && version == cacheHeaderVersion
}

// saveCache replaces the file at path with the cache contents.
func saveCache(dev gpu.Device, cache gpu.PipelineCache, path string, log *slog.Logger) error {
	data, err := dev.PipelineCacheData(cache)
	if err != nil {
		return fmt.Errorf("pipeline: read cache data: %w", err)
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write cache: %w", err)
	}
	log.Debug("pipeline: cache saved", "path", path, "bytes", len(data))
	return nil
}
