package httpmsg

import (
	"bufio"
	"errors"
	"io"
	"math"
)

// MaxHeaderBytes caps how much a client may send before its request head is
// complete, matching net/http's DefaultMaxHeaderBytes.
const MaxHeaderBytes = 1 << 20

// headSlack covers bytes the buffered reader pulls in past the head.
const headSlack = 4096

// ErrHeaderTooLarge is returned when a request head exceeds its byte limit.
var ErrHeaderTooLarge = errors.New("request head too large")

type headLimiter struct {
	r io.Reader
	n int64
}

func (l *headLimiter) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, ErrHeaderTooLarge
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// NewHeadReader returns a buffered reader over r that fails with
// ErrHeaderTooLarge once maxHead bytes (plus a small read-ahead slack) have
// been consumed. Call lift after Decode succeeds so the body or tunnel bytes
// are no longer capped.
func NewHeadReader(r io.Reader, size int, maxHead int64) (br *bufio.Reader, lift func()) {
	if maxHead <= 0 {
		maxHead = MaxHeaderBytes
	}
	l := &headLimiter{r: r, n: maxHead + headSlack}
	return bufio.NewReaderSize(l, size), func() { l.n = math.MaxInt64 }
}
