package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Store
	StoreDriver  string        // "redis" | "sqlite" | "memory"
	SQLitePath   string        // sqlite database file
	StoreTimeout time.Duration // bound on every store call made by the pool

	// Redis
	RedisAddrs            []string      // ex: "localhost:6379", several for a cluster
	RedisMasterName       string        // sentinel master name, optional
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisKeyPrefix        string        // key namespace, hash-tagged by the store (default "keypool:")
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	// Pool
	RefreshInterval   time.Duration // periodic pool reload (default: 1m)
	UsageResetPolicy  string        // "manual" | "daily"
	UsageWriteRetries int           // attempts per asynchronous usage write
	SecretPrefixes    []string      // accepted secret prefixes, empty = any
	SecretMinLength   int
	HistoryRetention  time.Duration // usage history kept per credential
	HistoryGCInterval time.Duration // how often old history is pruned

	// Admin accounts
	LockoutThreshold int           // failed attempts before lock
	LockoutDuration  time.Duration // lock length
	SessionKey       string        // HMAC key for session cookies, >= 32 bytes
	SessionTTL       time.Duration
	SessionSecure    bool // Secure flag on the session cookie
	SeedFile         string
	LoginBurst       int // login attempts per IP before throttling
	LoginPerMin      int // login refill rate per IP

	// Proxy
	UpstreamURL       string   // empty disables the /v1 proxy
	ProxyAPIKeys      []string // client bearer keys accepted on /v1, empty = no key check
	ProxyAllowedCIDRS []string // client addresses allowed on /v1, empty = any
	ProxyPublic       bool     // true => allow an unguarded /v1 (no keys, no CIDRs)

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict access to specific IP (e.g. "1.2.3.4, 5.6.7.8")
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

func Load() *Config {
	loadDotEnv(getenv("KEYPOOL_ENV_FILE", ".env"))

	cfg := &Config{
		// Server settings
		ListenPort:      getenv("KEYPOOL_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("KEYPOOL_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("KEYPOOL_LOG_LEVEL", "info"),
		PrettyLog: mustBool("KEYPOOL_PRETTY_LOG", true),

		// Store
		StoreDriver:  strings.ToLower(getenv("KEYPOOL_STORE_DRIVER", "redis")),
		SQLitePath:   getenv("KEYPOOL_SQLITE_PATH", "keypool.db"),
		StoreTimeout: mustDuration("KEYPOOL_STORE_TIMEOUT", 3*time.Second),

		// Redis settings
		RedisMasterName:       getenv("KEYPOOL_REDIS_MASTER_NAME", ""),
		RedisUser:             getenv("KEYPOOL_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("KEYPOOL_REDIS_PASSWORD_REQUIRED", true),
		RedisPassword:         getenv("KEYPOOL_REDIS_PASSWORD", ""),
		RedisKeyPrefix:        getenv("KEYPOOL_REDIS_KEY_PREFIX", "keypool:"),
		RedisDT:               mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Pool
		RefreshInterval:   mustDuration("KEYPOOL_REFRESH_INTERVAL", time.Minute),
		UsageResetPolicy:  strings.ToLower(getenv("KEYPOOL_USAGE_RESET_POLICY", "manual")),
		UsageWriteRetries: getenvInt("KEYPOOL_USAGE_WRITE_RETRIES", 5),
		SecretPrefixes:    splitAndTrim(getenv("KEYPOOL_SECRET_PREFIX", "sk-")),
		SecretMinLength:   getenvInt("KEYPOOL_SECRET_MIN_LENGTH", 20),
		HistoryRetention:  mustDuration("KEYPOOL_HISTORY_RETENTION", 90*24*time.Hour),
		HistoryGCInterval: mustDuration("KEYPOOL_HISTORY_GC_INTERVAL", 24*time.Hour),

		// Admin accounts
		LockoutThreshold: getenvInt("KEYPOOL_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  mustDuration("KEYPOOL_LOCKOUT_DURATION", 30*time.Minute),
		SessionKey:       requireEnv("KEYPOOL_SESSION_KEY"),
		SessionTTL:       mustDuration("KEYPOOL_SESSION_TTL", 12*time.Hour),
		SessionSecure:    mustBool("KEYPOOL_SESSION_SECURE", true),
		SeedFile:         getenv("KEYPOOL_SEED_FILE", ""),
		LoginBurst:       getenvInt("KEYPOOL_LOGIN_BURST", 5),
		LoginPerMin:      getenvInt("KEYPOOL_LOGIN_PER_MIN", 10),

		// Proxy
		UpstreamURL:       getenv("KEYPOOL_UPSTREAM_URL", ""),
		ProxyAPIKeys:      splitAndTrim(getenv("KEYPOOL_PROXY_API_KEYS", "")),
		ProxyAllowedCIDRS: parseAllowedIPs(getenv("KEYPOOL_PROXY_ALLOWED_CIDRS", "")),
		ProxyPublic:       mustBool("KEYPOOL_PROXY_PUBLIC", false),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("KEYPOOL_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("KEYPOOL_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("KEYPOOL_TRUST_PROXY", true),
	}

	switch cfg.StoreDriver {
	case "redis":
		cfg.RedisAddrs = requireEnvSlice("KEYPOOL_REDIS_ADDR")
		cfg.RedisDB = requireEnvInt("KEYPOOL_REDIS_DB")
		// Validate Redis password configuration
		if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
			panic("❌ FATAL: KEYPOOL_REDIS_PASSWORD is required when KEYPOOL_REDIS_PASSWORD_REQUIRED=true")
		}
	case "sqlite", "memory":
	default:
		panic(fmt.Sprintf("❌ FATAL: KEYPOOL_STORE_DRIVER must be redis, sqlite or memory, got %q", cfg.StoreDriver))
	}

	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		log.Printf("[DEBUG] cfg: %+v\n", cfg.Redacted())
	}

	return cfg
}

func (c *Config) validate() error {
	switch {
	case len(c.SessionKey) < 32:
		return fmt.Errorf("KEYPOOL_SESSION_KEY must be at least 32 bytes, got %d", len(c.SessionKey))
	case c.UsageResetPolicy != "manual" && c.UsageResetPolicy != "daily":
		return fmt.Errorf("KEYPOOL_USAGE_RESET_POLICY must be manual or daily, got %q", c.UsageResetPolicy)
	case c.LockoutThreshold < 1:
		return fmt.Errorf("KEYPOOL_LOCKOUT_THRESHOLD must be >= 1, got %d", c.LockoutThreshold)
	case c.LockoutDuration <= 0:
		return fmt.Errorf("KEYPOOL_LOCKOUT_DURATION must be > 0")
	case c.SessionTTL <= 0:
		return fmt.Errorf("KEYPOOL_SESSION_TTL must be > 0")
	case c.RefreshInterval <= 0:
		return fmt.Errorf("KEYPOOL_REFRESH_INTERVAL must be > 0")
	case c.HistoryRetention < 24*time.Hour:
		return fmt.Errorf("KEYPOOL_HISTORY_RETENTION must be at least 24h, got %s", c.HistoryRetention)
	case c.HistoryGCInterval <= 0:
		return fmt.Errorf("KEYPOOL_HISTORY_GC_INTERVAL must be > 0")
	case c.UsageWriteRetries < 1:
		return fmt.Errorf("KEYPOOL_USAGE_WRITE_RETRIES must be >= 1, got %d", c.UsageWriteRetries)
	case c.UpstreamURL != "" && len(c.ProxyAPIKeys) == 0 && len(c.ProxyAllowedCIDRS) == 0 && !c.ProxyPublic:
		return fmt.Errorf("KEYPOOL_UPSTREAM_URL is set but /v1 is unguarded: set KEYPOOL_PROXY_API_KEYS or KEYPOOL_PROXY_ALLOWED_CIDRS, or KEYPOOL_PROXY_PUBLIC=true")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	cp := *c
	cp.SessionKey = "***REDACTED***"
	if len(cp.ProxyAPIKeys) > 0 {
		cp.ProxyAPIKeys = []string{"***REDACTED***"}
	}
	if cp.RedisPassword != "" {
		cp.RedisPassword = "***REDACTED***"
	}
	if cp.RedisUser != "" {
		cp.RedisUser = "***REDACTED***"
	}
	return cp
}

// loadDotEnv reads path into the environment when it exists. Variables
// already set in the environment win.
func loadDotEnv(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		panic(fmt.Sprintf("❌ FATAL: failed to load env file %s: %v", path, err))
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func requireEnvSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return splitAndTrim(v)
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
