// Package config resolves the process configuration from flags, environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. EXTPROC_BASICAUTH_AUTH_USERS_FILE for auth.users_file.
const EnvPrefix = "EXTPROC_BASICAUTH"

type Config struct {
	Grpc            GrpcConfig    `mapstructure:"grpc"`
	Admin           AdminConfig   `mapstructure:"admin"`
	Echo            EchoConfig    `mapstructure:"echo"`
	Log             LogConfig     `mapstructure:"log"`
	Auth            AuthConfig    `mapstructure:"auth"`
	Tracing         TracingConfig `mapstructure:"tracing"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GrpcConfig struct {
	Network              string `mapstructure:"network"`
	Address              string `mapstructure:"address"`
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`
}

type AdminConfig struct {
	Address string `mapstructure:"address"` // empty disables the admin listener
}

type EchoConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	Realm              string      `mapstructure:"realm"`
	UserHeader         string      `mapstructure:"user_header"`
	RolesHeader        string      `mapstructure:"roles_header"`
	StripAuthorization bool        `mapstructure:"strip_authorization"`
	BypassAuthorities  []string    `mapstructure:"bypass_authorities"`
	UsersFile          string      `mapstructure:"users_file"`
	Watch              bool        `mapstructure:"watch"`
	DemoUsers          bool        `mapstructure:"demo_users"`
	Cache              CacheConfig `mapstructure:"cache"`
}

type CacheConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // empty disables exporting
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("grpc.network", "tcp")
	v.SetDefault("grpc.address", ":8081")
	v.SetDefault("grpc.max_concurrent_streams", 0)
	v.SetDefault("admin.address", ":9090")
	v.SetDefault("echo.enabled", false)
	v.SetDefault("echo.address", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.realm", "basic-auth-demo")
	v.SetDefault("auth.user_header", "X-Authenticated-User")
	v.SetDefault("auth.roles_header", "X-Authenticated-Roles")
	v.SetDefault("auth.strip_authorization", false)
	v.SetDefault("auth.bypass_authorities", []string{})
	v.SetDefault("auth.users_file", "")
	v.SetDefault("auth.watch", true)
	v.SetDefault("auth.demo_users", false)
	v.SetDefault("auth.cache.max_bytes", 1<<20)
	v.SetDefault("auth.cache.ttl", 5*time.Minute)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("shutdown_timeout", 15*time.Second)
}

// New returns a viper instance with defaults and environment lookups set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, when given, and returns the validated configuration.
// Flags bound to v take precedence over the environment, which takes precedence over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Grpc.Network {
	case "tcp", "unix":
	default:
		errs = append(errs, fmt.Errorf("grpc.network must be tcp or unix, got %q", c.Grpc.Network))
	}
	if c.Grpc.Address == "" {
		errs = append(errs, errors.New("grpc.address is required"))
	}
	if c.Echo.Enabled && c.Echo.Address == "" {
		errs = append(errs, errors.New("echo.address is required when echo is enabled"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Auth.Realm == "" || strings.ContainsAny(c.Auth.Realm, "\"\\\r\n") {
		errs = append(errs, fmt.Errorf("auth.realm must be non empty and free of quotes, backslashes and line breaks, got %q", c.Auth.Realm))
	}
	for key, name := range map[string]string{"auth.user_header": c.Auth.UserHeader, "auth.roles_header": c.Auth.RolesHeader} {
		if !validHeaderName(name) {
			errs = append(errs, fmt.Errorf("%s is not a valid header name: %q", key, name))
		}
	}
	if textproto.CanonicalMIMEHeaderKey(c.Auth.UserHeader) == textproto.CanonicalMIMEHeaderKey(c.Auth.RolesHeader) {
		errs = append(errs, errors.New("auth.user_header and auth.roles_header must differ"))
	}
	if c.Auth.UsersFile == "" && !c.Auth.DemoUsers {
		errs = append(errs, errors.New("auth.users_file is required unless auth.demo_users is set"))
	}
	if c.Auth.UsersFile != "" && c.Auth.DemoUsers {
		errs = append(errs, errors.New("auth.users_file and auth.demo_users are mutually exclusive"))
	}
	if c.Auth.Cache.MaxBytes > 0 && c.Auth.Cache.TTL < time.Second {
		errs = append(errs, fmt.Errorf("auth.cache.ttl must be at least 1s when the cache is enabled, got %s", c.Auth.Cache.TTL))
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured level, accepting the names slog understands, e.g. "debug" or "warn+2".
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
