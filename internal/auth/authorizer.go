// Package auth decides whether a decoded proxy request may proceed.
//
// An Authorizer returns a permit flag and, when it denies, a reason. What the
// proxy does with a denial is governed separately by a Policy: LogOnly records
// the reason and proceeds, Enforce answers 407 and stops.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"proxy-ify/internal/httpmsg"
)

// Authorizer inspects a decoded request once per connection. denyReason is
// non-empty only when permitted is false.
type Authorizer interface {
	Authorize(ctx context.Context, req *httpmsg.Request) (permitted bool, denyReason string)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req *httpmsg.Request) (bool, string)

func (f AuthorizerFunc) Authorize(ctx context.Context, req *httpmsg.Request) (bool, string) {
	return f(ctx, req)
}

// AllowAll permits every request.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *httpmsg.Request) (bool, string) {
	return true, ""
}

// CredentialChecker verifies a username and password.
type CredentialChecker interface {
	Authenticate(username, password string) error
}

// Modes accepted by New.
const (
	ModeNone  = "none"
	ModeUsers = "users"
	ModePAM   = "pam"
)

// New builds the Authorizer for mode. users backs ModeUsers and may be nil
// for the other modes.
func New(mode string, users CredentialChecker, logger *slog.Logger) (Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeNone:
		return AllowAll{}, nil
	case ModeUsers:
		if users == nil {
			return nil, fmt.Errorf("auth mode %q needs a user database", ModeUsers)
		}
		return &Basic{Checker: users, Logger: logger}, nil
	case ModePAM:
		checker, err := NewPAMChecker(DefaultPAMService)
		if err != nil {
			return nil, err
		}
		return &Basic{Checker: checker, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}
