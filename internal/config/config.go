package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string         `toml:"listen_addr"`
	InsecureSkipVerify bool           `toml:"insecure_skip_verify"`
	LogLevel           string         `toml:"log_level"`
	LogFormat          string         `toml:"log_format"`
	LogFile            string         `toml:"log_file"`
	TLSCertPath        string         `toml:"tls_cert_path"`
	TLSKeyPath         string         `toml:"tls_key_path"`
	TLSSelfSigned      bool           `toml:"tls_self_signed"`
	MetricsPath        string         `toml:"metrics_path"`
	TabIdleTimeout     time.Duration  `toml:"tab_idle_timeout"`
	Auth               AuthConfig     `toml:"auth"`
	DevProxy           DevProxyConfig `toml:"dev_proxy"`
}

// AuthConfig describes the identity provider and the public client registered with it.
type AuthConfig struct {
	IdPOrigin         string            `toml:"idp_origin"`
	Issuer            string            `toml:"issuer"` // OIDC Discovery (optional, takes precedence over paths)
	RealmPath         string            `toml:"realm_path"`
	AuthorizePath     string            `toml:"authorize_path"`
	TokenPath         string            `toml:"token_path"`
	EndSessionPath    string            `toml:"end_session_path"`
	ClientID          string            `toml:"client_id"`
	Scopes            []string          `toml:"scopes"`
	ACRValues         string            `toml:"acr_values"` // authentication tree / policy hint
	ExtraAuthParams   map[string]string `toml:"extra_auth_params"`
	CallbackPath      string            `toml:"callback_path"`
	UserIDClaims      []string          `toml:"user_id_claims"`
	StateBytes        int               `toml:"state_bytes"`
	ExchangeTimeout   time.Duration     `toml:"exchange_timeout"`
	PendingTTL        time.Duration     `toml:"pending_ttl"`
	EndSession        bool              `toml:"end_session"`      // redirect to the IdP end-session endpoint on logout
	LoginRateLimit    float64           `toml:"login_rate_limit"` // login starts per second per client IP; < 0 disables
	LoginBurst        int               `toml:"login_burst"`
	TrustForwardedFor bool              `toml:"trust_forwarded_for"` // key the login limit on X-Forwarded-For; only behind a proxy that overwrites it
}

// DevProxyConfig configures the same-origin detour used during local development.
type DevProxyConfig struct {
	Enabled     bool     `toml:"enabled"`
	PathPrefix  string   `toml:"path_prefix"`
	LocalHosts  []string `toml:"local_hosts"`
	UpstreamURL string   `toml:"upstream_url"` // storefront dev server for all other paths (optional)
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3000",
		LogLevel:   "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.TabIdleTimeout <= 0 {
		cfg.TabIdleTimeout = 8 * time.Hour
	}
	applyAuthDefaults(&cfg.Auth)
	applyDevProxyDefaults(&cfg.DevProxy)
}

func applyAuthDefaults(c *AuthConfig) {
	c.IdPOrigin = strings.TrimRight(c.IdPOrigin, "/")
	c.RealmPath = strings.TrimRight(c.RealmPath, "/")
	if c.RealmPath != "" {
		if c.AuthorizePath == "" {
			c.AuthorizePath = c.RealmPath + "/authorize"
		}
		if c.TokenPath == "" {
			c.TokenPath = c.RealmPath + "/access_token"
		}
		if c.EndSessionPath == "" {
			c.EndSessionPath = c.RealmPath + "/connect/endSession"
		}
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/auth/callback"
	}
	if len(c.UserIDClaims) == 0 {
		c.UserIDClaims = []string{"sub"}
	}
	if c.StateBytes <= 0 {
		c.StateBytes = 32
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 10 * time.Minute
	}
	// Negative disables the limit.
	if c.LoginRateLimit == 0 {
		c.LoginRateLimit = 0.2
	}
	if c.LoginBurst <= 0 {
		c.LoginBurst = 10
	}
}

func applyDevProxyDefaults(c *DevProxyConfig) {
	if c.PathPrefix == "" {
		c.PathPrefix = "/ies-proxy"
	}
	c.PathPrefix = "/" + strings.Trim(c.PathPrefix, "/")
	if len(c.LocalHosts) == 0 {
		c.LocalHosts = []string{"localhost", "127.0.0.1"}
	}
	for i, h := range c.LocalHosts {
		c.LocalHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}
}

func validate(cfg *Config) error {
	if cfg.TLSSelfSigned && (cfg.TLSCertPath != "" || cfg.TLSKeyPath != "") {
		return fmt.Errorf("tls_self_signed and tls_cert_path/tls_key_path are mutually exclusive")
	}
	if (cfg.TLSCertPath != "") != (cfg.TLSKeyPath != "") {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be specified together")
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", cfg.MetricsPath)
	}

	a := cfg.Auth
	if err := validateOrigin(a.IdPOrigin); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if a.ClientID == "" {
		return fmt.Errorf("auth: client_id is required")
	}
	if a.Issuer == "" && (a.AuthorizePath == "" || a.TokenPath == "") {
		return fmt.Errorf("auth: either issuer, realm_path, or both authorize_path and token_path are required")
	}
	if !slices.Contains(a.Scopes, "openid") {
		return fmt.Errorf("auth: scopes must include openid")
	}
	if !strings.HasPrefix(a.CallbackPath, "/") {
		return fmt.Errorf("auth: callback_path %q must start with /", a.CallbackPath)
	}
	if strings.HasPrefix(a.CallbackPath, cfg.DevProxy.PathPrefix+"/") {
		return fmt.Errorf("auth: callback_path %q collides with dev_proxy.path_prefix", a.CallbackPath)
	}

	if cfg.DevProxy.UpstreamURL != "" {
		u, err := url.Parse(cfg.DevProxy.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("dev_proxy: invalid upstream_url %q", cfg.DevProxy.UpstreamURL)
		}
	}
	return nil
}

// validateOrigin checks that s is a bare scheme://host[:port] origin.
func validateOrigin(s string) error {
	if s == "" {
		return fmt.Errorf("idp_origin is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid idp_origin %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("idp_origin %q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("idp_origin %q: host is required", s)
	}
	if u.Path != "" || u.RawQuery != "" {
		return fmt.Errorf("idp_origin %q: must not contain a path or query", s)
	}
	return nil
}

// TLSEnabled returns true if TLS is configured (self-signed or cert files).
func (c *Config) TLSEnabled() bool {
	return c.TLSSelfSigned || (c.TLSCertPath != "" && c.TLSKeyPath != "")
}
