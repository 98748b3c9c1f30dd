// Package config loads controller settings from a YAML file with
// BBB_CONTROLLER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"bbb-stream-controller/internal/peers"
)

// EnvPrefix prefixes every environment override, e.g.
// BBB_CONTROLLER_SECURITY_SECRET for security.secret.
const EnvPrefix = "BBB_CONTROLLER"

type Config struct {
	ListenAddr      string          `mapstructure:"listen_addr" validate:"required"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gte=0"`
	Log             LogConfig       `mapstructure:"log"`
	TLS             TLSConfig       `mapstructure:"tls"`
	Security        SecurityConfig  `mapstructure:"security"`
	RPC             RPCConfig       `mapstructure:"rpc"`
	Peers           []PeerConfig    `mapstructure:"peers" validate:"required,min=1,dive"`
	IngestFrontend  string          `mapstructure:"ingest_frontend"`
	ChatUser        string          `mapstructure:"chat_user"`
	Storage         StorageConfig   `mapstructure:"storage"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`
}

// SecurityConfig holds the inbound shared secrets. WebhookSecret defaults to
// Secret when empty.
type SecurityConfig struct {
	Secret         string        `mapstructure:"secret" validate:"required"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	ChecksumWindow time.Duration `mapstructure:"checksum_window" validate:"gt=0"`
}

type RPCConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gte=0"`
	VerifyTLS     bool          `mapstructure:"verify_tls"`
}

type PeerConfig struct {
	ID         string `mapstructure:"id" validate:"required"`
	Role       string `mapstructure:"role" validate:"oneof=conference chat-bridge live-encoder frontend"`
	URL        string `mapstructure:"url" validate:"omitempty,url"`
	Secret     string `mapstructure:"secret" validate:"required"`
	Conference string `mapstructure:"conference" validate:"required_if=Role chat-bridge"`
}

type StorageConfig struct {
	Driver                  string        `mapstructure:"driver" validate:"oneof=memory postgres"`
	PostgresDSN             string        `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	PostgresMaxConns        int32         `mapstructure:"postgres_max_conns" validate:"gte=0"`
	PostgresMinConns        int32         `mapstructure:"postgres_min_conns" validate:"gte=0"`
	PostgresMaxConnLifetime time.Duration `mapstructure:"postgres_max_conn_lifetime"`
	PostgresMaxConnIdle     time.Duration `mapstructure:"postgres_max_conn_idle"`
	PostgresAcquireTimeout  time.Duration `mapstructure:"postgres_acquire_timeout"`
	PostgresAppName         string        `mapstructure:"postgres_app_name"`
	MigrateOnStart          bool          `mapstructure:"migrate_on_start"`
	TombstoneTTL            time.Duration `mapstructure:"tombstone_ttl" validate:"gte=0"`
	PurgeInterval           time.Duration `mapstructure:"purge_interval" validate:"gte=0"`
}

type RateLimitConfig struct {
	GlobalRPS   float64       `mapstructure:"global_rps" validate:"gte=0"`
	GlobalBurst int           `mapstructure:"global_burst" validate:"gte=0"`
	JoinLimit   int           `mapstructure:"join_limit" validate:"gte=0"`
	JoinWindow  time.Duration `mapstructure:"join_window" validate:"gte=0"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr               string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gte=0"`
	CAFile             string        `mapstructure:"tls_ca_file"`
	CertFile           string        `mapstructure:"tls_cert_file"`
	KeyFile            string        `mapstructure:"tls_key_file"`
	ServerName         string        `mapstructure:"tls_server_name"`
	InsecureSkipVerify bool          `mapstructure:"tls_insecure_skip_verify"`
}

var defaults = map[string]any{
	"listen_addr":                               ":8080",
	"shutdown_timeout":                          "15s",
	"log.level":                                 "info",
	"log.format":                                "json",
	"tls.cert_file":                             "",
	"tls.key_file":                              "",
	"security.secret":                           "",
	"security.webhook_secret":                   "",
	"security.checksum_window":                  "30s",
	"rpc.timeout":                               "10s",
	"rpc.max_attempts":                          1,
	"rpc.retry_interval":                        "500ms",
	"rpc.verify_tls":                            true,
	"ingest_frontend":                           "",
	"chat_user":                                 "Stream",
	"storage.driver":                            "memory",
	"storage.postgres_dsn":                      "",
	"storage.postgres_max_conns":                0,
	"storage.postgres_min_conns":                0,
	"storage.postgres_max_conn_lifetime":        "0s",
	"storage.postgres_max_conn_idle":            "0s",
	"storage.postgres_acquire_timeout":          "5s",
	"storage.postgres_app_name":                 "bbb-stream-controller",
	"storage.migrate_on_start":                  true,
	"storage.tombstone_ttl":                     "24h",
	"storage.purge_interval":                    "10m",
	"rate_limit.global_rps":                     0,
	"rate_limit.global_burst":                   0,
	"rate_limit.join_limit":                     30,
	"rate_limit.join_window":                    "1m",
	"rate_limit.redis.addr":                     "",
	"rate_limit.redis.username":                 "",
	"rate_limit.redis.password":                 "",
	"rate_limit.redis.timeout":                  "2s",
	"rate_limit.redis.tls_ca_file":              "",
	"rate_limit.redis.tls_cert_file":            "",
	"rate_limit.redis.tls_key_file":             "",
	"rate_limit.redis.tls_server_name":          "",
	"rate_limit.redis.tls_insecure_skip_verify": false,
}

// Load reads path, or bbb-controller.yaml from the working directory or
// /etc/bbb-controller when path is empty, then applies environment
// overrides and validates the result. A missing default file is not an
// error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bbb-controller")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bbb-controller")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.IngestFrontend = strings.TrimSpace(c.IngestFrontend)
	if strings.TrimSpace(c.Security.WebhookSecret) == "" {
		c.Security.WebhookSecret = c.Security.Secret
	}
	for i := range c.Peers {
		c.Peers[i].ID = strings.TrimSpace(c.Peers[i].ID)
		c.Peers[i].Role = strings.ToLower(strings.TrimSpace(c.Peers[i].Role))
		c.Peers[i].URL = strings.TrimSpace(c.Peers[i].URL)
	}
}

// Validate checks struct constraints and that the peer list forms a valid
// registry.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if _, err := peers.NewRegistry(c.PeerList()); err != nil {
		return fmt.Errorf("validate peers: %w", err)
	}
	return nil
}

// PeerList converts the configured peers in file order.
func (c *Config) PeerList() []peers.Peer {
	list := make([]peers.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		list = append(list, peers.Peer{
			ID:         p.ID,
			Role:       peers.Role(p.Role),
			URL:        p.URL,
			Secret:     p.Secret,
			Conference: strings.TrimSpace(p.Conference),
		})
	}
	return list
}
