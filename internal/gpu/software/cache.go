package software

import (
	"bytes"
	"encoding/binary"
)

const (
	cacheHeaderSize    = 32
	cacheHeaderVersion = 1
	cacheKeySize       = 32
)

// pipelineCache mirrors the layout of a Vulkan pipeline cache blob: a
// 32-byte header with the device UUID, then the keys of compiled
// pipelines.
type pipelineCache struct {
	uuid [16]byte
	keys map[[cacheKeySize]byte]struct{}
	// order keeps serialization deterministic.
	order [][cacheKeySize]byte
}

func newPipelineCache(uuid [16]byte) *pipelineCache {
	return &pipelineCache{uuid: uuid, keys: make(map[[cacheKeySize]byte]struct{})}
}

// load merges data into the cache. It reports false, leaving the cache
// empty, when the header does not match this device.
func (c *pipelineCache) load(data []byte) bool {
	if len(data) < cacheHeaderSize+4 {
		return false
	}
	if binary.LittleEndian.Uint32(data[0:]) != cacheHeaderSize ||
		binary.LittleEndian.Uint32(data[4:]) != cacheHeaderVersion ||
		!bytes.Equal(data[16:32], c.uuid[:]) {
		return false
	}
	n := int(binary.LittleEndian.Uint32(data[cacheHeaderSize:]))
	body := data[cacheHeaderSize+4:]
	if len(body) != n*cacheKeySize {
		return false
	}
	for i := range n {
		var k [cacheKeySize]byte
		copy(k[:], body[i*cacheKeySize:])
		c.insert(k)
	}
	return true
}

func (c *pipelineCache) lookup(k [cacheKeySize]byte) bool {
	_, ok := c.keys[k]
	return ok
}

func (c *pipelineCache) insert(k [cacheKeySize]byte) {
	if c.lookup(k) {
		return
	}
	c.keys[k] = struct{}{}
	c.order = append(c.order, k)
}

func (c *pipelineCache) serialize() []byte {
	out := make([]byte, cacheHeaderSize+4, cacheHeaderSize+4+len(c.order)*cacheKeySize)
	binary.LittleEndian.PutUint32(out[0:], cacheHeaderSize)
	binary.LittleEndian.PutUint32(out[4:], cacheHeaderVersion)
	copy(out[16:32], c.uuid[:])
	binary.LittleEndian.PutUint32(out[cacheHeaderSize:], uint32(len(c.order))) //nolint:gosec // G115: few pipelines
	for _, k := range c.order {
		out = append(out, k[:]...)
	}
	return out
}
