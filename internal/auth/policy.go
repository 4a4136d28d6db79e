package auth

import (
	"fmt"
	"io"
	"strings"
)

// Policy decides what happens to a request the Authorizer denied.
type Policy int

const (
	// LogOnly logs the deny reason and processes the request anyway.
	LogOnly Policy = iota
	// Enforce answers 407 Proxy Authentication Required and drops the request.
	Enforce
)

// ParsePolicy accepts "log-only" (or empty) and "enforce".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "log-only", "logonly":
		return LogOnly, nil
	case "enforce":
		return Enforce, nil
	}
	return LogOnly, fmt.Errorf("unknown auth policy %q", s)
}

func (p Policy) String() string {
	if p == Enforce {
		return "enforce"
	}
	return "log-only"
}

// Realm is announced in the Proxy-Authenticate challenge.
const Realm = "proxy-ify"

// WriteChallenge writes the 407 response sent when Enforce rejects a request.
func WriteChallenge(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
		"Proxy-Authenticate: Basic realm=\""+Realm+"\"\r\n"+
		"Content-Length: 0\r\n"+
		"Connection: close\r\n\r\n")
	return err
}
