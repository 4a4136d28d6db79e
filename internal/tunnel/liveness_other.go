//go:build !linux && !windows

package tunnel

import "log/slog"

func tableProber(*slog.Logger) (StateProber, bool) {
	return nil, false
}
