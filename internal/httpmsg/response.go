package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// BodyChunkSize is the size of each body write when streaming a response.
const BodyChunkSize = 64 * 1024

// Response is an origin response ready to be re-serialized onto the client socket.
type Response struct {
	ProtocolVersion   string
	StatusCode        int
	StatusDescription string
	ContentType       string
	ContentLength     int64
	Headers           Header
	Body              io.Reader
}

// FromHTTPResponse converts a response returned by an http.Client.
func FromHTTPResponse(hr *http.Response) *Response {
	desc := strings.TrimSpace(strings.TrimPrefix(hr.Status, strconv.Itoa(hr.StatusCode)))
	if desc == "" {
		desc = http.StatusText(hr.StatusCode)
	}
	proto := hr.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	return &Response{
		ProtocolVersion:   proto,
		StatusCode:        hr.StatusCode,
		StatusDescription: desc,
		ContentType:       hr.Header.Get("Content-Type"),
		ContentLength:     hr.ContentLength,
		Headers:           FromHTTP(hr.Header),
		Body:              hr.Body,
	}
}

type flusher interface {
	Flush() error
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// WriteResponse serializes resp onto w: status line, Content-Type,
// Content-Length, the remaining headers, a blank line, then exactly
// ContentLength body bytes in BodyChunkSize chunks. Content-Type and
// Content-Length are never repeated among the remaining headers. Bodies are
// only streamed when the length is known and positive.
func WriteResponse(w io.Writer, resp *Response) error {
	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %d %s\r\n", resp.ProtocolVersion, resp.StatusCode, resp.StatusDescription)
	if resp.ContentType != "" {
		fmt.Fprintf(&head, "Content-Type: %s\r\n", resp.ContentType)
	}
	if resp.ContentLength > 0 {
		fmt.Fprintf(&head, "Content-Length: %d\r\n", resp.ContentLength)
	}
	for _, f := range resp.Headers {
		if f.Name == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(f.Name)) {
		case "content-type", "content-length":
			continue
		}
		fmt.Fprintf(&head, "%s: %s\r\n", f.Name, f.Value)
	}
	head.WriteString("\r\n")

	if _, err := w.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write response head: %w", err)
	}
	if err := flush(w); err != nil {
		return fmt.Errorf("flush response head: %w", err)
	}

	if resp.Body == nil || resp.ContentLength <= 0 {
		return nil
	}

	buf := make([]byte, BodyChunkSize)
	remaining := resp.ContentLength
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("write response body: %w", werr)
			}
			if ferr := flush(w); ferr != nil {
				return fmt.Errorf("flush response body: %w", ferr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			if remaining == 0 && errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read response body: %w", err)
		}
	}
	return nil
}
