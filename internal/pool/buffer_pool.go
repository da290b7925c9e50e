package pool

import "sync"

// ReadBufferSize is the capacity of pooled read buffers.
const ReadBufferSize = 4096

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, ReadBufferSize)
		return &b
	},
}

// GetBuffer returns a ReadBufferSize byte buffer from the pool.
func GetBuffer() *[]byte {
	return bufPool.Get().(*[]byte) //nolint:forcetypeassert
}

// PutBuffer returns b to the pool. Buffers with a foreign capacity are dropped.
func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) != ReadBufferSize {
		return
	}
	*b = (*b)[:ReadBufferSize]
	bufPool.Put(b)
}
