// Package config loads the malauth YAML configuration and applies environment
// overrides. Keys are kebab-case; unknown keys are ignored.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfigOptional when a key is absent.
const (
	DefaultRedirectURI            = "http://localhost:2561/callback"
	DefaultPKCEMethod             = "plain"
	DefaultCallbackTimeoutSeconds = 300
	DefaultRefreshSkewSeconds     = 60

	appName = "malauth"
)

// Token store backends.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreObject   = "object"
	StoreGit      = "git"
)

// Master key sources.
const (
	KeySourceAuto       = "auto"
	KeySourceKeyring    = "keyring"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

// Config is the full malauth configuration.
type Config struct {
	SDKConfig `yaml:",inline"`

	// ClientID is the MyAnimeList API client id. Required.
	ClientID string `yaml:"client-id" json:"client-id"`
	// ClientSecret is only set for "web" type MAL applications.
	ClientSecret string `yaml:"client-secret" json:"-"`
	// RedirectURI must match the value registered for the client.
	RedirectURI string `yaml:"redirect-uri" json:"redirect-uri"`

	// AuthURL and TokenURL override the MAL endpoints, mostly for testing.
	AuthURL  string `yaml:"auth-url,omitempty" json:"auth-url,omitempty"`
	TokenURL string `yaml:"token-url,omitempty" json:"token-url,omitempty"`

	PKCEMethod             string `yaml:"pkce-method" json:"pkce-method"`
	CallbackTimeoutSeconds int    `yaml:"callback-timeout-seconds" json:"callback-timeout-seconds"`
	RefreshSkewSeconds     int    `yaml:"refresh-skew-seconds" json:"refresh-skew-seconds"`
	// RefreshOnStart refreshes an expired cached token when the coordinator starts.
	RefreshOnStart bool `yaml:"refresh-on-start" json:"refresh-on-start"`

	Debug         bool `yaml:"debug" json:"debug"`
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogsMaxTotalSizeMB caps the log directory; 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// DataDir holds tokens and logs. Defaults to $XDG_DATA_HOME/malauth.
	DataDir string `yaml:"data-dir,omitempty" json:"data-dir,omitempty"`

	TokenStore TokenStoreConfig `yaml:"token-store" json:"token-store"`
}

// TokenStoreConfig selects and configures the persistence backend.
type TokenStoreConfig struct {
	Type      string `yaml:"type" json:"type"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	KeySource string `yaml:"key-source" json:"key-source"`
	KeyFile   string `yaml:"key-file,omitempty" json:"key-file,omitempty"`
	// Watch reloads the file backend when another process rewrites it.
	Watch bool `yaml:"watch" json:"watch"`

	// Passphrase is read from MALAUTH_PASSPHRASE only.
	Passphrase string `yaml:"-" json:"-"`

	Postgres PostgresStoreConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectStoreConfig   `yaml:"object" json:"object"`
	Git      GitStoreConfig      `yaml:"git" json:"git"`
}

// PostgresStoreConfig configures the PostgreSQL backend.
type PostgresStoreConfig struct {
	DSN    string `yaml:"dsn" json:"-"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
}

// ObjectStoreConfig configures the S3-compatible backend.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL    *bool  `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
	PathStyle bool   `yaml:"path-style" json:"path-style"`
}

// GitStoreConfig configures the git backend.
type GitStoreConfig struct {
	URL       string `yaml:"url" json:"url"`
	Username  string `yaml:"username,omitempty" json:"username,omitempty"`
	Token     string `yaml:"token,omitempty" json:"-"`
	LocalPath string `yaml:"local-path,omitempty" json:"local-path,omitempty"`
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/malauth/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/malauth.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// LoadConfig reads and validates configFile. A missing file is an error.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads configFile. When optional is true a missing or
// empty file yields the defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	switch {
	case err == nil:
	case optional && errors.Is(err, os.ErrNotExist):
		data = nil
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.RedirectURI = strings.TrimSpace(cfg.RedirectURI)
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.PKCEMethod == "" {
		cfg.PKCEMethod = DefaultPKCEMethod
	}
	if cfg.CallbackTimeoutSeconds <= 0 {
		cfg.CallbackTimeoutSeconds = DefaultCallbackTimeoutSeconds
	}
	if cfg.RefreshSkewSeconds <= 0 {
		cfg.RefreshSkewSeconds = DefaultRefreshSkewSeconds
	}
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}
	ts := &cfg.TokenStore
	ts.Type = strings.ToLower(strings.TrimSpace(ts.Type))
	if ts.Type == "" {
		ts.Type = StoreFile
	}
	ts.KeySource = strings.ToLower(strings.TrimSpace(ts.KeySource))
	if ts.KeySource == "" {
		ts.KeySource = KeySourceAuto
	}
}

// ApplyEnv overlays environment overrides using lookup, which has the shape
// of os.LookupEnv. Setting a backend's primary variable selects that backend.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}

	if v, ok := get("MAL_CLIENT_ID", "mal_client_id"); ok {
		cfg.ClientID = v
	}
	if v, ok := get("MAL_CLIENT_SECRET", "mal_client_secret"); ok {
		cfg.ClientSecret = v
	}
	if v, ok := get("MALAUTH_PASSPHRASE", "malauth_passphrase"); ok {
		cfg.TokenStore.Passphrase = v
	}
	if v, ok := get("WRITABLE_PATH", "writable_path"); ok && cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(v, appName)
	}

	ts := &cfg.TokenStore
	if v, ok := get("PGSTORE_DSN", "pgstore_dsn"); ok {
		ts.Type = StorePostgres
		ts.Postgres.DSN = v
	}
	if v, ok := get("PGSTORE_SCHEMA", "pgstore_schema"); ok {
		ts.Postgres.Schema = v
	}
	if v, ok := get("PGSTORE_TABLE", "pgstore_table"); ok {
		ts.Postgres.Table = v
	}

	if v, ok := get("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		ts.Type = StoreObject
		ts.Object.Endpoint = v
	}
	if v, ok := get("OBJECTSTORE_BUCKET", "objectstore_bucket"); ok {
		ts.Object.Bucket = v
	}
	if v, ok := get("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key"); ok {
		ts.Object.AccessKey = v
	}
	if v, ok := get("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key"); ok {
		ts.Object.SecretKey = v
	}
	if v, ok := get("OBJECTSTORE_REGION", "objectstore_region"); ok {
		ts.Object.Region = v
	}
	if v, ok := get("OBJECTSTORE_PREFIX", "objectstore_prefix"); ok {
		ts.Object.Prefix = v
	}

	if v, ok := get("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		ts.Type = StoreGit
		ts.Git.URL = v
	}
	if v, ok := get("GITSTORE_GIT_USERNAME", "gitstore_git_username"); ok {
		ts.Git.Username = v
	}
	if v, ok := get("GITSTORE_GIT_TOKEN", "gitstore_git_token"); ok {
		ts.Git.Token = v
	}
	if v, ok := get("GITSTORE_LOCAL_PATH", "gitstore_local_path"); ok {
		ts.Git.LocalPath = v
	}
}

// Validate reports configuration that cannot work regardless of backend state.
func (cfg *Config) Validate() error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client-id is required (set it in the config file or MAL_CLIENT_ID)")
	}
	switch strings.ToLower(cfg.PKCEMethod) {
	case "plain", "s256":
	default:
		return fmt.Errorf("unsupported pkce-method %q", cfg.PKCEMethod)
	}
	ts := cfg.TokenStore
	switch ts.Type {
	case StoreFile, StoreMemory:
	case StorePostgres:
		if ts.Postgres.DSN == "" {
			return fmt.Errorf("token-store.postgres.dsn is required")
		}
	case StoreObject:
		if ts.Object.Endpoint == "" || ts.Object.Bucket == "" {
			return fmt.Errorf("token-store.object requires endpoint and bucket")
		}
	case StoreGit:
		if ts.Git.URL == "" {
			return fmt.Errorf("token-store.git.url is required")
		}
	default:
		return fmt.Errorf("unknown token-store.type %q", ts.Type)
	}
	switch ts.KeySource {
	case KeySourceAuto, KeySourceKeyring, KeySourceFile:
	case KeySourcePassphrase:
		if ts.Passphrase == "" {
			return fmt.Errorf("key-source passphrase requires MALAUTH_PASSPHRASE")
		}
	default:
		return fmt.Errorf("unknown token-store.key-source %q", ts.KeySource)
	}
	return nil
}

// CallbackTimeout is the configured wait for the browser redirect.
func (cfg *Config) CallbackTimeout() time.Duration {
	return time.Duration(cfg.CallbackTimeoutSeconds) * time.Second
}

// RefreshSkew is how long before expiry a token stops being served.
func (cfg *Config) RefreshSkew() time.Duration {
	return time.Duration(cfg.RefreshSkewSeconds) * time.Second
}

// ResolvedDataDir returns DataDir or the XDG default.
func (cfg *Config) ResolvedDataDir() string {
	if cfg != nil && strings.TrimSpace(cfg.DataDir) != "" {
		return cfg.DataDir
	}
	return DefaultDataDir()
}
