//go:build pam

package auth

import (
	"fmt"

	pam "github.com/msteinert/pam/v2"
)

// DefaultPAMService is the PAM service used to check system accounts.
const DefaultPAMService = "login"

// PAMChecker authenticates system accounts through PAM.
type PAMChecker struct {
	Service string
}

// NewPAMChecker returns a checker for service.
func NewPAMChecker(service string) (*PAMChecker, error) {
	if service == "" {
		service = DefaultPAMService
	}
	return &PAMChecker{Service: service}, nil
}

// Authenticate runs a PAM conversation, answering the password prompt with password.
func (p *PAMChecker) Authenticate(username, password string) error {
	t, err := pam.StartFunc(p.Service, username, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return password, nil
		case pam.TextInfo, pam.ErrorMsg:
			return "", nil
		default:
			return "", fmt.Errorf("unsupported pam prompt: %s", msg)
		}
	})
	if err != nil {
		return fmt.Errorf("start pam transaction: %w", err)
	}
	defer t.End()
	if err := t.Authenticate(0); err != nil {
		return fmt.Errorf("pam authenticate: %w", err)
	}
	return t.AcctMgmt(0)
}
