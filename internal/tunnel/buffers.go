package tunnel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// BufferPoolSize is the size of each relay buffer in the pool (64KB)
	BufferPoolSize = 64 * 1024
)

// bufferPool is a pool of reusable byte slices for relay loops
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferPoolSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse
func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// CopyWithBuffer copies src to dst through a pooled buffer, one read at a
// time. Each read of n bytes is forwarded as exactly n bytes before the next
// read is issued, so nothing is batched beyond a single buffer. When counter is
// non-nil it is advanced by every byte written.
//
// A clean end of stream returns a nil error, like io.Copy.
//
// Parameters:
//   - dst: The destination writer
//   - src: The source reader
//   - counter: Optional running byte count
//
// Returns:
//   - int64: The number of bytes copied
//   - error: The first read or write error, other than io.EOF
func CopyWithBuffer(dst io.Writer, src io.Reader, counter *atomic.Int64) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	var written int64
	for {
		n, rerr := src.Read(*buf)
		if n > 0 {
			w, werr := dst.Write((*buf)[:n])
			written += int64(w)
			if counter != nil {
				counter.Add(int64(w))
			}
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
