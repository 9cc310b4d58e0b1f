package redis

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// DefaultKeyPrefix namespaces every key written by the store. The braces
	// are a cluster hash tag: scripts and transactions span several keys, so
	// all of them must live in one slot.
	DefaultKeyPrefix = "{keypool}:"

	keyCredential     = "credential:"
	keyAllCredentials = "credentials:all"
	keySecretIndex    = "credentials:secrets"
	keyUsageHistory   = "usage:"
	keyAccount        = "account:"
)

// CredentialKey returns the hash key holding one credential row.
func (s *Store) CredentialKey(id string) string {
	return s.prefix + keyCredential + id
}

// AllCredentialsKey returns the set of all credential IDs.
func (s *Store) AllCredentialsKey() string {
	return s.prefix + keyAllCredentials
}

// SecretIndexKey returns the hash mapping secret fingerprints to IDs.
func (s *Store) SecretIndexKey() string {
	return s.prefix + keySecretIndex
}

// UsageHistoryKey returns the per-day usage hash of a credential.
func (s *Store) UsageHistoryKey(id string) string {
	return s.prefix + keyUsageHistory + id
}

// AccountKey returns the key holding an admin account.
func (s *Store) AccountKey(identity string) string {
	return s.prefix + keyAccount + identity
}

// hashTagged turns a plain namespace such as "keypool:" into "{keypool}:".
// Prefixes that already carry a hash tag are kept as they are.
func hashTagged(prefix string) string {
	if open := strings.Index(prefix, "{"); open >= 0 && strings.Index(prefix[open:], "}") > 1 {
		return prefix
	}
	name := strings.TrimSuffix(prefix, ":")
	if name == "" {
		return DefaultKeyPrefix
	}
	return "{" + name + "}:"
}

// fingerprint keeps raw secrets out of the index.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
