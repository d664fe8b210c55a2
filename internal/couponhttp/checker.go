package couponhttp

import (
	"context"
	"strings"

	"github.com/keithlinneman/couponforge-web/internal/cryptoutil"
)

// CredentialChecker validates a login. Implementations must be safe for
// concurrent use. The error return is for infrastructure failures only;
// bad credentials are (false, nil).
type CredentialChecker interface {
	Check(ctx context.Context, email, password string) (bool, error)
}

// StaticChecker validates against an in-memory set of accounts, keyed
// by normalized email with SHA-256 password digests. Used for local
// development and tests; production deployments plug in a directory-
// backed implementation.
type StaticChecker struct {
	accounts map[string]string
}

// NewStaticChecker builds a checker from plaintext email/password
// pairs. Emails are normalized, passwords stored as digests.
func NewStaticChecker(creds map[string]string) *StaticChecker {
	accounts := make(map[string]string, len(creds))
	for email, password := range creds {
		accounts[NormalizeEmail(email)] = cryptoutil.SHA256Hex([]byte(password))
	}
	return &StaticChecker{accounts: accounts}
}

func (c *StaticChecker) Check(ctx context.Context, email, password string) (bool, error) {
	want, ok := c.accounts[NormalizeEmail(email)]
	if !ok {
		// compare against a dummy digest so missing accounts cost the
		// same as wrong passwords
		cryptoutil.HashEqual(cryptoutil.SHA256Hex([]byte(password)), want)
		return false, nil
	}
	return cryptoutil.HashEqual(cryptoutil.SHA256Hex([]byte(password)), want), nil
}

// NormalizeEmail lowercases and trims an email address so limiter keys
// and account lookups agree on a single canonical form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
