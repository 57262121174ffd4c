package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("marketweb version %s, commit %s, built at %s", version, commit, date)
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Backend BackendConfig `mapstructure:"backend"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Session SessionConfig `mapstructure:"session"`
	Tokens  TokensConfig  `mapstructure:"tokens"`
	Storage StorageConfig `mapstructure:"storage"`
	OAuth   *OAuthConfig  `mapstructure:"oauth"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	Color             bool   `mapstructure:"color"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// BackendConfig describes the marketplace API consumed by the session core.
type BackendConfig struct {
	BaseURL      string            `json:"base_url" mapstructure:"base_url"`
	Timeout      time.Duration     `json:"timeout" mapstructure:"timeout"`
	ExchangePath string            `json:"exchange_path" mapstructure:"exchange_path"`
	RefreshPath  string            `json:"refresh_path" mapstructure:"refresh_path"`
	LogoutPath   string            `json:"logout_path" mapstructure:"logout_path"`
	ProfilePath  string            `json:"profile_path" mapstructure:"profile_path"`
	Headers      map[string]string `json:"headers" mapstructure:"headers"`
}

type ProxyConfig struct {
	MountPath       string        `mapstructure:"mount_path"`
	UpstreamBaseURL string        `mapstructure:"upstream_base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
	AvatarTTL  time.Duration `mapstructure:"avatar_ttl"`
}

type TokensConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	Production bool          `mapstructure:"production"`
}

// StorageDriver selects the backing store shared by execution contexts
type StorageDriver string

const (
	StorageMemory StorageDriver = "memory"
	StorageFile   StorageDriver = "file"
	StorageRedis  StorageDriver = "redis"
)

type StorageConfig struct {
	Driver   StorageDriver `mapstructure:"driver"`
	FilePath string        `mapstructure:"file_path"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	// Origin identifies this execution context; generated when empty
	Origin string `mapstructure:"origin"`
}

type OAuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Provider     string   `mapstructure:"provider"` // google, github, oidc
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	IssuerURL    string   `mapstructure:"issuer_url"` // oidc discovery, optional for github
	AuthURL      string   `mapstructure:"auth_url"`   // explicit endpoints for provider "oidc" without discovery
	TokenURL     string   `mapstructure:"token_url"`
}

// InitFlags initializes command line flags (without parsing)
func InitFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to the config file")
	flags.String("upstream", "", "Upstream base URL for the request proxy")
	flags.String("backend", "", "Marketplace API base URL")
	flags.String("storage", string(StorageMemory), "Storage driver (memory|file|redis)")
	flags.Int("port", 0, "HTTP port")
}

// flagKeys maps command line flags to the settings they override
var flagKeys = map[string]string{
	"config":   "config",
	"upstream": "proxy.upstream_base_url",
	"backend":  "backend.base_url",
	"storage":  "storage.driver",
	"port":     "server.port",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.exchange_path", "/auth/exchange")
	v.SetDefault("backend.refresh_path", "/auth/refresh")
	v.SetDefault("backend.logout_path", "/auth/logout")
	v.SetDefault("backend.profile_path", "/users/me")

	v.SetDefault("proxy.upstream_base_url", "")
	v.SetDefault("proxy.mount_path", "/api/proxy")
	v.SetDefault("proxy.timeout", 60*time.Second)

	v.SetDefault("session.profile_ttl", 5*time.Minute)
	v.SetDefault("session.avatar_ttl", 30*time.Minute)

	v.SetDefault("tokens.ttl", 7*24*time.Hour)

	v.SetDefault("storage.driver", string(StorageMemory))
	v.SetDefault("storage.file_path", "marketweb-storage.yaml")
	v.SetDefault("storage.prefix", "marketweb:")
}

// Load reads the configuration from flags, environment and config files.
// A missing config file is not an error; everything has a default except
// the two base URLs.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MARKETWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/marketweb")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	//Loading additionals config files
	if _, err := os.Stat("/config/config.yaml"); err == nil {
		v.SetConfigFile("/config/config.yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge /config/config.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	if c.Proxy.UpstreamBaseURL == "" {
		return fmt.Errorf("proxy.upstream_base_url is required, please adjust the config or pass --upstream or MARKETWEB_PROXY_UPSTREAM_BASE_URL environment variable")
	}
	if c.Backend.BaseURL == "" {
		// the proxy upstream is the marketplace API in the common deployment
		c.Backend.BaseURL = c.Proxy.UpstreamBaseURL
	}
	if !strings.HasPrefix(c.Proxy.MountPath, "/") {
		return fmt.Errorf("proxy.mount_path must start with '/', got %q", c.Proxy.MountPath)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage.file_path is required for the file driver")
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}

	if c.OAuth != nil && c.OAuth.Enabled {
		if c.OAuth.ClientID == "" {
			return fmt.Errorf("oauth.client_id is required when oauth is enabled")
		}
		if c.OAuth.Provider == "oidc" && c.OAuth.IssuerURL == "" && c.OAuth.TokenURL == "" {
			return fmt.Errorf("oauth.issuer_url or oauth.token_url is required for the oidc provider")
		}
	}
	return nil
}
