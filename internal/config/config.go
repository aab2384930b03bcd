package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML file. SHELFKEEPER_CONFIG
// overrides it.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string `yaml:"port"`
	LogLevel                 string `yaml:"logLevel"`
	DatabaseURL              string `yaml:"databaseURL"`
	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	SessionTTL               string `yaml:"sessionTTL"`
	JWTPrivateKeyPath        string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath         string `yaml:"jwtPublicKeyPath"`
	JWTKeyID                 string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys      string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                string `yaml:"jwtIssuer"`
	JWTAudience              string `yaml:"jwtAudience"`
	JWTTTL                   string `yaml:"jwtTTL"`
	JWTLeeway                string `yaml:"jwtLeeway"`
	SignupRateLimitPerMinute int    `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int    `yaml:"loginRateLimitPerMinute"`
	CORSAllowedOrigins       string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs        string `yaml:"trustedProxyCIDRs"`
	AdminUsername            string `yaml:"adminUsername"`
	AdminEmail               string `yaml:"adminEmail"`
	AdminPassword            string `yaml:"adminPassword"`
}

// Path resolves the config file location.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("SHELFKEEPER_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads the server config from path (defaults to Path()).
func Load(path string) (FileConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadBootstrap reads the same file for cmd/bootstrap, which only needs the
// database and the admin seed.
func LoadBootstrap(path string) (FileConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if cfg.AdminPassword == "" {
		return cfg, errors.New("config: adminPassword is required (set BOOTSTRAP_ADMIN_PASSWORD)")
	}
	return cfg, nil
}

func read(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Port},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"JWT_PRIVATE_KEY_PATH", &cfg.JWTPrivateKeyPath},
		{"JWT_PUBLIC_KEY_PATH", &cfg.JWTPublicKeyPath},
		{"JWT_KEY_ID", &cfg.JWTKeyID},
		{"JWT_VERIFY_PUBLIC_KEYS", &cfg.JWTVerifyPublicKeys},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_TTL", &cfg.JWTTTL},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins},
		{"TRUSTED_PROXY_CIDRS", &cfg.TrustedProxyCIDRs},
		{"BOOTSTRAP_ADMIN_USERNAME", &cfg.AdminUsername},
		{"BOOTSTRAP_ADMIN_EMAIL", &cfg.AdminEmail},
		{"BOOTSTRAP_ADMIN_PASSWORD", &cfg.AdminPassword},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	if v := os.Getenv("SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for sessions and rate limits")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"sessionTTL": cfg.SessionTTL,
		"jwtTTL":     cfg.JWTTTL,
		"jwtLeeway":  cfg.JWTLeeway,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseDuration parses an optional duration field. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// SplitList splits a comma-separated setting, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
