package tunnel

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedError returns true if the error is EOF or a known benign network error.
//
// Used to suppress logging for expected connection closure errors in the relay
// loops and in connection teardown.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
