//go:build !windows && !plan9

package logging

import (
	"io"
	"log/syslog"
)

func dialSyslog(addr string) (io.WriteCloser, error) {
	return syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_DAEMON, "proxy-ify")
}
