package httpmsg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrNoRequest is returned when no request could be decoded from the stream.
var ErrNoRequest = errors.New("unable to build http request")

// Request is a decoded inbound proxy request.
type Request struct {
	Method          string
	FullURL         string
	ProtocolVersion string

	// DestHostname and DestHostPort are the origin the client asked for.
	DestHostname string
	DestHostPort int

	Headers       Header
	ContentType   string
	ContentLength int64
	Body          io.Reader

	// Socket endpoints, stamped by the dispatcher after decoding.
	SourceIP   string
	SourcePort int
	DestIP     string
	DestPort   int
}

// IsConnect reports whether the request asks for an opaque tunnel.
func (r *Request) IsConnect() bool {
	return r.Method == http.MethodConnect
}

// Authority returns the requested origin as host:port.
func (r *Request) Authority() string {
	return net.JoinHostPort(r.DestHostname, strconv.Itoa(r.DestHostPort))
}

// Decode reads one request head from br. The body, if any, stays in br and is
// exposed through Request.Body; for CONNECT anything buffered past the head
// belongs to the tunnel.
func Decode(br *bufio.Reader) (*Request, error) {
	hr, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRequest, err)
	}

	req := &Request{
		Method:          hr.Method,
		ProtocolVersion: hr.Proto,
		ContentLength:   hr.ContentLength,
		ContentType:     hr.Header.Get("Content-Type"),
		Body:            hr.Body,
	}
	if hr.Host != "" {
		req.Headers.Add("Host", hr.Host)
	}
	rest := hr.Header.Clone()
	rest.Del("Host")
	req.Headers = append(req.Headers, FromHTTP(rest)...)

	var target *url.URL
	switch {
	case hr.Method == http.MethodConnect:
		req.FullURL = hr.RequestURI
		target = &url.URL{Scheme: "https", Host: hr.Host}
	case hr.URL.IsAbs():
		req.FullURL = hr.URL.String()
		target = hr.URL
	default:
		if hr.Host == "" {
			return nil, fmt.Errorf("%w: no target host for %s", ErrNoRequest, hr.RequestURI)
		}
		target = &url.URL{Scheme: "http", Host: hr.Host, Path: hr.URL.Path, RawPath: hr.URL.RawPath, RawQuery: hr.URL.RawQuery}
		req.FullURL = target.String()
	}

	req.DestHostname, req.DestHostPort, err = splitTarget(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRequest, err)
	}
	return req, nil
}

func splitTarget(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", u.Host)
	}
	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			return host, 443, nil
		}
		return host, 80, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", port)
	}
	return host, p, nil
}
