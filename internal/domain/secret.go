package domain

import (
	"fmt"
	"strings"
)

const (
	maskPrefixLen = 9
	maskSuffixLen = 6
	maskEllipsis  = "..."
	maskHidden    = "***"
)

// SecretFormat describes what a credential secret must look like.
type SecretFormat struct {
	// Prefixes lists accepted leading markers (ex: "sk-"). Empty accepts any.
	Prefixes  []string
	MinLength int
}

// DefaultSecretFormat accepts "sk-" keys of at least 20 characters.
var DefaultSecretFormat = SecretFormat{Prefixes: []string{"sk-"}, MinLength: 20}

// Validate rejects secrets that do not carry a known prefix or are too short.
func (f SecretFormat) Validate(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidCredentialFormat)
	}
	if strings.ContainsAny(secret, " \t\r\n") {
		return fmt.Errorf("%w: secret contains whitespace", ErrInvalidCredentialFormat)
	}
	if len(secret) < f.MinLength {
		return fmt.Errorf("%w: secret shorter than %d characters", ErrInvalidCredentialFormat, f.MinLength)
	}
	if len(f.Prefixes) == 0 {
		return nil
	}
	for _, p := range f.Prefixes {
		if strings.HasPrefix(secret, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: secret must start with one of %v", ErrInvalidCredentialFormat, f.Prefixes)
}

// MaskSecret keeps a short head and tail of the secret joined by an ellipsis.
// Example: "sk-abcdefghijklmnopqrstuvwxyz" -> "sk-abcdef...uvwxyz".
// Secrets too short to hide anything render as "***".
func MaskSecret(secret string) string {
	if len(secret) <= maskPrefixLen+maskSuffixLen {
		return maskHidden
	}
	return secret[:maskPrefixLen] + maskEllipsis + secret[len(secret)-maskSuffixLen:]
}
