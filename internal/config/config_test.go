package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	InitFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(newFlags(t, "--upstream", "https://api.example.com"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "https://api.example.com", cfg.Proxy.UpstreamBaseURL)
	assert.Equal(t, "https://api.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "/api/proxy", cfg.Proxy.MountPath)
	assert.Equal(t, "/users/me", cfg.Backend.ProfilePath)
	assert.Equal(t, 5*time.Minute, cfg.Session.ProfileTTL)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Nil(t, cfg.OAuth)
}

func TestLoad_FlagsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MARKETWEB_PROXY_UPSTREAM_BASE_URL", "https://env.example.com")
	t.Setenv("MARKETWEB_SESSION_PROFILE_TTL", "1m")

	cfg, err := Load(newFlags(t, "--backend", "https://auth.example.com", "--port", "8080"))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Proxy.UpstreamBaseURL)
	assert.Equal(t, "https://auth.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Session.ProfileTTL)

	// flags win over the environment
	cfg, err = Load(newFlags(t, "--upstream", "https://flag.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", cfg.Proxy.UpstreamBaseURL)
}

func TestLoad_ConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "marketweb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxy:
  upstream_base_url: https://file.example.com
  mount_path: /api
storage:
  driver: file
  file_path: /tmp/state.yaml
oauth:
  enabled: true
  provider: github
  client_id: abc
`), 0o600))

	cfg, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "/api", cfg.Proxy.MountPath)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/state.yaml", cfg.Storage.FilePath)
	require.NotNil(t, cfg.OAuth)
	assert.Equal(t, "github", cfg.OAuth.Provider)

	// an explicit flag overrides the file
	cfg, err = Load(newFlags(t, "--config", path, "--storage", "memory"))
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
}

func TestLoad_MissingUpstream(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(newFlags(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.upstream_base_url is required")
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy: [unclosed"), 0o600))

	_, err := Load(newFlags(t, "--config", path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Proxy:   ProxyConfig{UpstreamBaseURL: "https://api.example.com", MountPath: "/api/proxy"},
			Storage: StorageConfig{Driver: StorageMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "relative mount path",
			mutate:  func(c *Config) { c.Proxy.MountPath = "api" },
			wantErr: "mount_path must start with '/'",
		},
		{
			name:    "file driver without path",
			mutate:  func(c *Config) { c.Storage.Driver = StorageFile },
			wantErr: "storage.file_path is required",
		},
		{
			name:    "redis driver without url",
			mutate:  func(c *Config) { c.Storage.Driver = StorageRedis },
			wantErr: "storage.redis_url is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "etcd" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "oauth without client id",
			mutate:  func(c *Config) { c.OAuth = &OAuthConfig{Enabled: true, Provider: "google"} },
			wantErr: "oauth.client_id is required",
		},
		{
			name:    "oidc without endpoints",
			mutate:  func(c *Config) { c.OAuth = &OAuthConfig{Enabled: true, Provider: "oidc", ClientID: "abc"} },
			wantErr: "oauth.issuer_url or oauth.token_url is required",
		},
		{
			name:   "disabled oauth is not checked",
			mutate: func(c *Config) { c.OAuth = &OAuthConfig{Provider: "oidc"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, cfg.Proxy.UpstreamBaseURL, cfg.Backend.BaseURL)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
