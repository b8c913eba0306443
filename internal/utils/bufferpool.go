package utils

import (
	"encoding/json"

	"github.com/valyala/bytebufferpool"
)

// Shared pool for outbound request bodies.
// bytebufferpool calibrates size classes from observed usage.
var bodyPool bytebufferpool.Pool

// GetBuffer retrieves an empty buffer from the pool
func GetBuffer() *bytebufferpool.ByteBuffer {
	return bodyPool.Get()
}

// PutBuffer returns a buffer to the pool. The buffer must not be used afterwards.
func PutBuffer(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bodyPool.Put(buf)
	}
}

// EncodeJSON encodes v into a pooled buffer without the trailing newline
// json.Encoder adds. Release the buffer with PutBuffer.
func EncodeJSON(v any) (*bytebufferpool.ByteBuffer, error) {
	buf := bodyPool.Get()
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		bodyPool.Put(buf)
		return nil, err
	}
	if n := len(buf.B); n > 0 && buf.B[n-1] == '\n' {
		buf.B = buf.B[:n-1]
	}
	return buf, nil
}
