package wire

import "sync"

// bufferPool holds reusable encode/decode scratch buffers. 4KB covers the
// overwhelming majority of control packets; larger payloads fall back to a
// fresh allocation that is never returned to the pool.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// GetBuffer returns a buffer with at least size capacity.
func GetBuffer(size int) *[]byte {
	if size > 4096 {
		buf := make([]byte, 0, size)
		return &buf
	}
	bufPtr := bufferPool.Get().(*[]byte)
	*bufPtr = (*bufPtr)[:0]
	return bufPtr
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped.
func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) != 4096 {
		return
	}
	bufferPool.Put(bufPtr)
}
