package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/Jigsaw-Code/outline-sdk/transport"

	"proxy-ify/internal/httpmsg"
)

// Headers dropped before a request is relayed to the origin.
var strippedRequestHeaders = []string{"Expect", "Proxy-Authorization", "Proxy-Connection"}

// NewHTTPClient returns the client used on the forward path. Every origin
// connection goes through dialer. Redirects are handed back to the proxy
// client untouched and bodies are never decompressed.
func NewHTTPClient(dialer transport.StreamDialer, insecure bool) *http.Client {
	tr := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			switch network {
			case "tcp", "tcp4", "tcp6":
			default:
				return nil, fmt.Errorf("unsupported network %q", network)
			}
			return dialer.DialStream(ctx, addr)
		},
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // operator opt-in
		DisableCompression:  true,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
	}
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// buildOutbound turns a decoded request into the request sent to the origin.
func buildOutbound(ctx context.Context, req *httpmsg.Request) (*http.Request, error) {
	var body io.Reader
	if req.ContentLength > 0 && req.Body != nil {
		body = io.LimitReader(req.Body, req.ContentLength)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, req.FullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}

	headers := append(httpmsg.Header(nil), req.Headers...)
	for _, name := range strippedRequestHeaders {
		headers.Del(name)
	}
	if host := headers.Get("Host"); host != "" {
		out.Host = host
	}
	headers.Del("Host")
	headers.Del("Content-Length")
	out.Header = headers.HTTP()

	if body != nil {
		out.ContentLength = req.ContentLength
	}
	return out, nil
}

// forward relays a non-CONNECT request and writes the origin response back
// onto the client socket. When no response is obtained nothing is written.
func (sess *session) forward(ctx context.Context, req *httpmsg.Request) {
	cfg := sess.server.config

	out, err := buildOutbound(ctx, req)
	if err != nil {
		sess.log.Warn("unable to relay request", "url", req.FullURL, "error", err)
		return
	}

	hr, err := sess.server.client.Do(out)
	if err != nil {
		cfg.Metrics.UpstreamFailures.WithLabelValues("forward").Inc()
		sess.log.Warn("upstream request failed", "url", req.FullURL, "error", err)
		return
	}
	defer hr.Body.Close()

	resp := httpmsg.FromHTTPResponse(hr)
	if req.Method == http.MethodHead {
		resp.Body = nil
	}
	cfg.Metrics.ForwardedResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	w := bufio.NewWriterSize(sess.client, httpmsg.BodyChunkSize)
	if err := httpmsg.WriteResponse(w, resp); err != nil {
		sess.log.Debug("response relay ended early", "url", req.FullURL, "error", err)
		return
	}
	sess.log.Debug("response relayed", "url", req.FullURL, "status", resp.StatusCode, "length", resp.ContentLength)
}
