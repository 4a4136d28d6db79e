//go:build !pam

package auth

import "errors"

// DefaultPAMService is the PAM service used to check system accounts.
const DefaultPAMService = "login"

// ErrPAMUnavailable is returned when the binary was built without the pam tag.
var ErrPAMUnavailable = errors.New("pam support not compiled in (build with -tags pam)")

// PAMChecker is unavailable in this build.
type PAMChecker struct {
	Service string
}

func NewPAMChecker(string) (*PAMChecker, error) {
	return nil, ErrPAMUnavailable
}

func (*PAMChecker) Authenticate(string, string) error {
	return ErrPAMUnavailable
}
