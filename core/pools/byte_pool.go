package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool hands out read scratch buffers in a few size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets      atomic.Uint64
	oversized atomic.Uint64
}

// Size classes for socket reads
var defaultSizes = []int{
	4096,  // one page, the default read chunk
	16384, // bulk uploads
	65536, // max single read
}

// NewBytePool creates a byte pool with the default size classes
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with ascending size classes
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a slice of length size, pooled when a class fits
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	bp.oversized.Add(1)
	return make([]byte, size)
}

// Put returns buf to its class; slices of foreign capacity are dropped
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// BytePoolStats counts pool traffic
type BytePoolStats struct {
	Gets      uint64
	Oversized uint64
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:      bp.gets.Load(),
		Oversized: bp.oversized.Load(),
	}
}
