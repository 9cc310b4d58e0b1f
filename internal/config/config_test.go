package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRequireEnv(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		shouldSet bool
		wantPanic bool
	}{
		{
			name:      "variable set",
			key:       "TEST_VAR",
			value:     "test_value",
			shouldSet: true,
			wantPanic: false,
		},
		{
			name:      "variable not set",
			key:       "TEST_VAR_MISSING",
			shouldSet: false,
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldSet {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			if tt.wantPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("requireEnv() should have panicked")
					}
				}()
			}

			result := requireEnv(tt.key)
			if !tt.wantPanic && result != tt.value {
				t.Errorf("requireEnv() = %v, want %v", result, tt.value)
			}
		})
	}
}

func TestRequireEnvInt(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		expected  int
		wantPanic bool
	}{
		{
			name:      "valid integer",
			key:       "TEST_INT",
			value:     "42",
			expected:  42,
			wantPanic: false,
		},
		{
			name:      "invalid integer",
			key:       "TEST_INT_INVALID",
			value:     "not_a_number",
			wantPanic: true,
		},
		{
			name:      "missing variable",
			key:       "TEST_INT_MISSING",
			value:     "",
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			if tt.wantPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("requireEnvInt() should have panicked")
					}
				}()
			}

			result := requireEnvInt(tt.key)
			if !tt.wantPanic && result != tt.expected {
				t.Errorf("requireEnvInt() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestRequireEnvSlice(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		expected  []string
		wantPanic bool
	}{
		{
			name:      "single value",
			key:       "TEST_SLICE",
			value:     "value1",
			expected:  []string{"value1"},
			wantPanic: false,
		},
		{
			name:      "multiple values",
			key:       "TEST_SLICE_MULTI",
			value:     "value1, value2, value3",
			expected:  []string{"value1", "value2", "value3"},
			wantPanic: false,
		},
		{
			name:      "missing variable",
			key:       "TEST_SLICE_MISSING",
			value:     "",
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			if tt.wantPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("requireEnvSlice() should have panicked")
					}
				}()
			}

			result := requireEnvSlice(tt.key)
			if !tt.wantPanic {
				if len(result) != len(tt.expected) {
					t.Errorf("requireEnvSlice() length = %v, want %v", len(result), len(tt.expected))
				}
				for i := range result {
					if result[i] != tt.expected[i] {
						t.Errorf("requireEnvSlice()[%d] = %v, want %v", i, result[i], tt.expected[i])
					}
				}
			}
		})
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYPOOL_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("KEYPOOL_STORE_DRIVER", "sqlite")
	t.Setenv("KEYPOOL_SESSION_KEY", strings.Repeat("k", 32))
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg := Load()
	if cfg.ListenPort != ":8080" {
		t.Errorf("ListenPort = %q, want :8080", cfg.ListenPort)
	}
	if cfg.LockoutThreshold != 5 || cfg.LockoutDuration != 30*time.Minute {
		t.Errorf("lockout = %d/%v, want 5/30m", cfg.LockoutThreshold, cfg.LockoutDuration)
	}
	if cfg.UsageResetPolicy != "manual" {
		t.Errorf("UsageResetPolicy = %q, want manual", cfg.UsageResetPolicy)
	}
	if len(cfg.SecretPrefixes) != 1 || cfg.SecretPrefixes[0] != "sk-" {
		t.Errorf("SecretPrefixes = %v, want [sk-]", cfg.SecretPrefixes)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Errorf("SessionTTL = %v, want 12h", cfg.SessionTTL)
	}
	if cfg.Redacted().SessionKey == cfg.SessionKey {
		t.Error("Redacted() leaked the session key")
	}
}

func TestLoadPanics(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "short session key", env: map[string]string{"KEYPOOL_SESSION_KEY": "short"}},
		{name: "unknown driver", env: map[string]string{"KEYPOOL_STORE_DRIVER": "mongo"}},
		{name: "unknown reset policy", env: map[string]string{"KEYPOOL_USAGE_RESET_POLICY": "weekly"}},
		{name: "unguarded proxy", env: map[string]string{"KEYPOOL_UPSTREAM_URL": "https://api.example.com"}},
		{name: "redis without address", env: map[string]string{"KEYPOOL_STORE_DRIVER": "redis"}},
		{name: "redis without password", env: map[string]string{
			"KEYPOOL_STORE_DRIVER": "redis",
			"KEYPOOL_REDIS_ADDR":   "localhost:6379",
			"KEYPOOL_REDIS_DB":     "0",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Load() should have panicked")
				}
			}()
			Load()
		})
	}
}

func TestLoadProxyGuards(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("KEYPOOL_UPSTREAM_URL", "https://api.example.com")
	t.Setenv("KEYPOOL_PROXY_API_KEYS", "client-one, client-two")
	t.Setenv("KEYPOOL_PROXY_ALLOWED_CIDRS", "10.0.0.0/8")

	cfg := Load()
	if len(cfg.ProxyAPIKeys) != 2 || cfg.ProxyAPIKeys[1] != "client-two" {
		t.Errorf("ProxyAPIKeys = %v, want [client-one client-two]", cfg.ProxyAPIKeys)
	}
	if len(cfg.ProxyAllowedCIDRS) != 1 {
		t.Errorf("ProxyAllowedCIDRS = %v, want one entry", cfg.ProxyAllowedCIDRS)
	}
	if got := cfg.Redacted().ProxyAPIKeys; len(got) != 1 || got[0] == "client-one" {
		t.Errorf("Redacted() leaked proxy keys: %v", got)
	}

	t.Setenv("KEYPOOL_PROXY_API_KEYS", "")
	t.Setenv("KEYPOOL_PROXY_ALLOWED_CIDRS", "")
	t.Setenv("KEYPOOL_PROXY_PUBLIC", "true")
	if cfg := Load(); !cfg.ProxyPublic {
		t.Error("ProxyPublic = false, want true")
	}
}

func TestLoadRedis(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("KEYPOOL_STORE_DRIVER", "redis")
	t.Setenv("KEYPOOL_REDIS_ADDR", "10.0.0.1:6379, 10.0.0.2:6379")
	t.Setenv("KEYPOOL_REDIS_DB", "2")
	t.Setenv("KEYPOOL_REDIS_PASSWORD_REQUIRED", "false")

	cfg := Load()
	if len(cfg.RedisAddrs) != 2 || cfg.RedisAddrs[1] != "10.0.0.2:6379" {
		t.Errorf("RedisAddrs = %v", cfg.RedisAddrs)
	}
	if cfg.RedisDB != 2 {
		t.Errorf("RedisDB = %d, want 2", cfg.RedisDB)
	}
}

func TestLoadDotEnv(t *testing.T) {
	setMinimalEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	content := "KEYPOOL_TEST_DOTENV_ONLY=from-file\nKEYPOOL_TEST_DOTENV_BOTH=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("KEYPOOL_TEST_DOTENV_BOTH", "from-env")
	// Registers cleanup for the variable the file introduces.
	t.Setenv("KEYPOOL_TEST_DOTENV_ONLY", "")
	if err := os.Unsetenv("KEYPOOL_TEST_DOTENV_ONLY"); err != nil {
		t.Fatalf("failed to unset env var: %v", err)
	}

	loadDotEnv(path)

	if got := os.Getenv("KEYPOOL_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Errorf("file-only variable = %q, want from-file", got)
	}
	if got := os.Getenv("KEYPOOL_TEST_DOTENV_BOTH"); got != "from-env" {
		t.Errorf("environment should win, got %q", got)
	}

	// A missing file is not an error.
	loadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}

func TestMustDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      time.Duration
		expected time.Duration
	}{
		{
			name:     "valid duration",
			key:      "TEST_DURATION",
			value:    "5s",
			def:      1 * time.Second,
			expected: 5 * time.Second,
		},
		{
			name:     "invalid duration uses default",
			key:      "TEST_DURATION_INVALID",
			value:    "invalid",
			def:      10 * time.Second,
			expected: 10 * time.Second,
		},
		{
			name:     "missing variable uses default",
			key:      "TEST_DURATION_MISSING",
			value:    "",
			def:      15 * time.Second,
			expected: 15 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			result := mustDuration(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("mustDuration() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMustBool(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      bool
		expected bool
	}{
		{
			name:     "true value",
			key:      "TEST_BOOL",
			value:    "true",
			def:      false,
			expected: true,
		},
		{
			name:     "false value",
			key:      "TEST_BOOL_FALSE",
			value:    "false",
			def:      true,
			expected: false,
		},
		{
			name:     "invalid value uses default",
			key:      "TEST_BOOL_INVALID",
			value:    "invalid",
			def:      true,
			expected: true,
		},
		{
			name:     "missing variable uses default",
			key:      "TEST_BOOL_MISSING",
			value:    "",
			def:      false,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			result := mustBool(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("mustBool() = %v, want %v", result, tt.expected)
			}
		})
	}
}
