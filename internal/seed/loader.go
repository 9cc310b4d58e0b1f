// Package seed reads the optional YAML file that provisions admin accounts
// and credentials at startup.
package seed

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/keypool/internal/domain"
)

// File is the top-level structure of the seed file.
//
//	accounts:
//	  - identity: admin
//	    secret: "{{KEYPOOL_ADMIN_SECRET}}"
//	credentials:
//	  - name: primary
//	    secret: sk-...
//	    limit_per_day: 1000
type File struct {
	Accounts    []Account    `yaml:"accounts"`
	Credentials []Credential `yaml:"credentials"`
}

// Account provisions an admin. Either Secret (hashed on load) or a
// precomputed bcrypt SecretHash must be set.
type Account struct {
	Identity   string `yaml:"identity"`
	Secret     string `yaml:"secret,omitempty"`
	SecretHash string `yaml:"secret_hash,omitempty"`
	Active     *bool  `yaml:"active,omitempty"`
}

// IsActive defaults to true.
func (a Account) IsActive() bool {
	return a.Active == nil || *a.Active
}

type Credential struct {
	Name        string `yaml:"name,omitempty"`
	Secret      string `yaml:"secret"`
	LimitPerDay int64  `yaml:"limit_per_day"`
	Active      *bool  `yaml:"active,omitempty"`
}

func (c Credential) IsActive() bool {
	return c.Active == nil || *c.Active
}

// Loader reads a seed file from disk.
type Loader struct {
	filePath string
	getenv   func(string) string
}

func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath, getenv: os.Getenv}
}

// Load reads, expands and validates the seed file.
func (l *Loader) Load() (*File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(l.expandVariables(data))
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed yaml: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// expandVariables replaces {{NAME}} with the value of environment variable
// NAME, so secrets can stay out of the file.
func (l *Loader) expandVariables(data []byte) []byte {
	return templateVar.ReplaceAllFunc(data, func(m []byte) []byte {
		name := templateVar.FindSubmatch(m)[1]
		return []byte(l.getenv(string(name)))
	})
}

func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.Accounts))
	for i := range f.Accounts {
		a := &f.Accounts[i]
		a.Identity = domain.NormalizeIdentity(a.Identity)
		if a.Identity == "" {
			return fmt.Errorf("%w: accounts[%d]: identity is required", domain.ErrValidation, i)
		}
		if _, dup := seen[a.Identity]; dup {
			return fmt.Errorf("%w: accounts[%d]: duplicate identity %q", domain.ErrValidation, i, a.Identity)
		}
		seen[a.Identity] = struct{}{}
		if a.Secret == "" && a.SecretHash == "" {
			return fmt.Errorf("%w: accounts[%d]: secret or secret_hash is required", domain.ErrValidation, i)
		}
	}
	for i := range f.Credentials {
		c := &f.Credentials[i]
		c.Secret = strings.TrimSpace(c.Secret)
		c.Name = strings.TrimSpace(c.Name)
		if c.LimitPerDay <= 0 {
			return fmt.Errorf("%w: credentials[%d]: limit_per_day must be > 0", domain.ErrValidation, i)
		}
	}
	return nil
}
