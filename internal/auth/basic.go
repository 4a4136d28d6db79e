package auth

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	"proxy-ify/internal/httpmsg"
)

// Basic authorizes requests carrying valid Proxy-Authorization Basic credentials.
type Basic struct {
	Checker CredentialChecker
	Logger  *slog.Logger
}

func (b *Basic) Authorize(_ context.Context, req *httpmsg.Request) (bool, string) {
	header := req.Headers.Get("Proxy-Authorization")
	if header == "" {
		return false, "no proxy credentials"
	}
	user, pass, ok := parseBasic(header)
	if !ok {
		return false, "malformed proxy credentials"
	}
	if err := b.Checker.Authenticate(user, pass); err != nil {
		if b.Logger != nil {
			b.Logger.Debug("proxy authentication failed", "user", user, "error", err)
		}
		return false, "invalid credentials for user " + user
	}
	return true, ""
}

// parseBasic decodes "Basic base64(user:password)".
func parseBasic(header string) (user, pass string, ok bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", "", false
	}
	return user, pass, true
}
