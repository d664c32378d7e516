package packet

import (
	"bytes"
	"sync"
)

var buffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer returns an empty buffer from the shared pool.
func GetBuffer() *bytes.Buffer {
	return buffers.Get().(*bytes.Buffer)
}

// PutBuffer resets buf and hands it back. Oversized buffers are dropped so a single
// large publish does not pin its memory in the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 64*KB {
		return
	}
	buf.Reset()
	buffers.Put(buf)
}
