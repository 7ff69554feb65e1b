package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/redirect"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DESKGATE_"

	// DefaultAddr is the default control-channel listen address.
	DefaultAddr = ":8080"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Session   SessionConfig   `toml:"session"`
	TLS       TLSConfig       `toml:"tls"`
	Redis     RedisConfig     `toml:"redis"`
	Audit     AuditConfig     `toml:"audit"`
	Storage   StorageConfig   `toml:"storage"`
	Devices   DevicesConfig   `toml:"devices"`
	Transfers TransfersConfig `toml:"transfers"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	// path is where the config was loaded from.
	path string
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr           string        `toml:"addr"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	TrustedProxies []string      `toml:"trusted_proxies"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	PingInterval   time.Duration `toml:"ping_interval"`
	MaxUploadSize  int64         `toml:"max_upload_size"`
	Compression    bool          `toml:"compression"`
}

// AuthConfig configures bearer-token authentication. With auth disabled
// the gateway trusts the X-Client-ID header.
type AuthConfig struct {
	Enabled    bool   `toml:"enabled"`
	JWTSecret  string `toml:"jwt_secret"`
	Issuer     string `toml:"issuer"`
	QueryParam string `toml:"query_param"`

	// Revocation checks token IDs against Redis. Needs [redis].
	Revocation       bool   `toml:"revocation"`
	RevocationPrefix string `toml:"revocation_prefix"`
	FailOpen         bool   `toml:"fail_open"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	ConnectTimeout  time.Duration `toml:"connect_timeout"`
	FrameRate       int           `toml:"frame_rate"`
	FrameBufferSize int           `toml:"frame_buffer_size"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	MaxSessions     int           `toml:"max_sessions"`

	// HistoryTTL is how long ended sessions stay queryable. History is
	// kept in Redis when [redis] is configured, in memory otherwise.
	HistoryTTL time.Duration `toml:"history_ttl"`
}

// TLSConfig is the policy for host connections that enable TLS.
type TLSConfig struct {
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	AllowInsecure      bool   `toml:"allow_insecure"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

// RedisConfig points at the Redis used for history and revocation.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// AuditConfig selects where audit events go.
type AuditConfig struct {
	// Backend is "log" or "postgres".
	Backend     string `toml:"backend"`
	DatabaseURL string `toml:"database_url"`
	BufferSize  int    `toml:"buffer_size"`
}

// StorageConfig selects where transferred files are kept.
type StorageConfig struct {
	// Backend is "disk" or "s3".
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
	Region  string `toml:"region"`
	MaxSize int64  `toml:"max_size"`
}

// DevicesConfig configures device redirection.
type DevicesConfig struct {
	AllowedTypes  []string      `toml:"allowed_types"`
	AttachTimeout time.Duration `toml:"attach_timeout"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	MaxPerSession int           `toml:"max_per_session"`
}

// TransfersConfig configures file transfers.
type TransfersConfig struct {
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	MaxPerSession int           `toml:"max_per_session"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `toml:"level"`
	// Format is "json" or "console".
	Format string `toml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          DefaultAddr,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			PingInterval:  25 * time.Second,
			MaxUploadSize: 100 << 20,
		},
		Auth: AuthConfig{
			QueryParam:       "token",
			RevocationPrefix: "deskgate:revoked",
		},
		Session: SessionConfig{
			ConnectTimeout:  10 * time.Second,
			FrameRate:       30,
			FrameBufferSize: 256,
			HistoryTTL:      24 * time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix: "deskgate:session",
		},
		Audit: AuditConfig{
			Backend:    "log",
			BufferSize: 1024,
		},
		Storage: StorageConfig{
			Backend: "disk",
			Dir:     "data/transfers",
			MaxSize: 1 << 30,
		},
		Devices: DevicesConfig{
			AttachTimeout: 10 * time.Second,
			IdleTimeout:   30 * time.Minute,
		},
		Transfers: TransfersConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "deskgate",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, gwerrors.E(gwerrors.NotFound, "config.load", path, err)
			}
			return nil, gwerrors.E(gwerrors.InvalidConfig, "config.load", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, gwerrors.Newf(gwerrors.InvalidConfig, "config.load", "%s: unknown key %s", path, undecoded[0])
		}
		cfg.path = path
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// applyEnv overrides fields from DESKGATE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = splitCSV(v)
		}
	}
	var firstErr error
	parse := func(name string, set func(string) error) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		if err := set(v); err != nil && firstErr == nil {
			firstErr = gwerrors.E(gwerrors.InvalidConfig, "config.env", EnvPrefix+name, err)
		}
	}
	boolean := func(name string, dst *bool) {
		parse(name, func(v string) (err error) {
			*dst, err = strconv.ParseBool(v)
			return err
		})
	}
	integer := func(name string, dst *int) {
		parse(name, func(v string) (err error) {
			*dst, err = strconv.Atoi(v)
			return err
		})
	}
	duration := func(name string, dst *time.Duration) {
		parse(name, func(v string) (err error) {
			*dst, err = time.ParseDuration(v)
			return err
		})
	}

	str("ADDR", &c.Server.Addr)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	list("TRUSTED_PROXIES", &c.Server.TrustedProxies)

	boolean("AUTH_ENABLED", &c.Auth.Enabled)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.Issuer)

	duration("CONNECT_TIMEOUT", &c.Session.ConnectTimeout)
	duration("IDLE_TIMEOUT", &c.Session.IdleTimeout)
	integer("MAX_SESSIONS", &c.Session.MaxSessions)

	boolean("TLS_INSECURE_SKIP_VERIFY", &c.TLS.InsecureSkipVerify)
	str("TLS_CA_FILE", &c.TLS.CAFile)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	str("AUDIT_BACKEND", &c.Audit.Backend)
	str("DATABASE_URL", &c.Audit.DatabaseURL)

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("S3_BUCKET", &c.Storage.Bucket)
	str("S3_PREFIX", &c.Storage.Prefix)
	str("S3_REGION", &c.Storage.Region)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	return firstErr
}

// Validate checks the configuration for values the gateway cannot run
// with.
func (c *Config) Validate() error {
	const op = "config.validate"
	invalid := func(format string, args ...any) error {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, format, args...)
	}

	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if c.Server.ReadTimeout > 0 && c.Server.PingInterval >= c.Server.ReadTimeout {
		return invalid("server.ping_interval (%s) must be below server.read_timeout (%s)", c.Server.PingInterval, c.Server.ReadTimeout)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return invalid("auth.jwt_secret is required when auth is enabled")
	}
	if c.Auth.Revocation && c.Redis.Addr == "" {
		return invalid("auth.revocation needs redis.addr")
	}
	if c.Session.FrameRate < 0 || c.Session.FrameBufferSize < 0 || c.Session.MaxSessions < 0 {
		return invalid("session limits must not be negative")
	}
	if c.TLS.InsecureSkipVerify && c.TLS.CAFile != "" {
		return invalid("tls.insecure_skip_verify and tls.ca_file are mutually exclusive")
	}

	for _, t := range c.Devices.AllowedTypes {
		if !redirect.DeviceType(t).Valid() {
			return invalid("unknown device type %q in devices.allowed_types", t)
		}
	}

	switch c.Audit.Backend {
	case "log":
	case "postgres":
		if c.Audit.DatabaseURL == "" {
			return invalid("audit.database_url is required for the postgres backend")
		}
	default:
		return invalid("unknown audit.backend %q", c.Audit.Backend)
	}

	switch c.Storage.Backend {
	case "disk":
		if c.Storage.Dir == "" {
			return invalid("storage.dir is required for the disk backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return invalid("storage.bucket is required for the s3 backend")
		}
	default:
		return invalid("unknown storage.backend %q", c.Storage.Backend)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return gwerrors.E(gwerrors.InvalidConfig, op, "log.level", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return invalid("unknown log.format %q", c.Log.Format)
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
