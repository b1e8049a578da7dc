// Package config loads the dashboard's static configuration: identity
// provider client registrations, platform class, flow selection and the
// backend token service address. The file is YAML; secrets may be
// overridden from the environment so they stay out of the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform classes. TV-class devices have no usable keyboard or browser
// and default to a device flow; everything else uses the web redirect.
const (
	PlatformTV      = "tv"
	PlatformBrowser = "browser"
)

// Device flow modes, resolved once at startup.
const (
	DeviceFlowHybrid = "hybrid"
	DeviceFlowLegacy = "legacy"
)

const defaultSessionLifetime = 72 * time.Hour

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ClientRegistration is one OAuth client identity. The same identity
// provider typically has a web-class and a device-class registration,
// and a grant must later be refreshed with the one that issued it.
type ClientRegistration struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Configured reports whether the registration can be used at all.
func (r ClientRegistration) Configured() bool { return r.ClientID != "" }

// Provider describes one identity provider with both registrations and
// its protocol endpoints.
type Provider struct {
	ID            string             `yaml:"id"`
	Scopes        []string           `yaml:"scopes"`
	AuthURL       string             `yaml:"auth_url"`
	TokenURL      string             `yaml:"token_url"`
	DeviceAuthURL string             `yaml:"device_auth_url"`
	UserinfoURL   string             `yaml:"userinfo_url"`
	Web           ClientRegistration `yaml:"web"`
	Device        ClientRegistration `yaml:"device"`
}

// Registration returns the registration for a client class.
func (p *Provider) Registration(class string) (ClientRegistration, error) {
	switch class {
	case "web":
		return p.Web, nil
	case "device":
		return p.Device, nil
	default:
		return ClientRegistration{}, fmt.Errorf("unknown client class %q for provider %s", class, p.ID)
	}
}

// Config is the resolved startup configuration.
type Config struct {
	Platform        string        `yaml:"platform"`
	DeviceFlow      string        `yaml:"device_flow"`
	BackendURL      string        `yaml:"backend_url"`
	PairingURL      string        `yaml:"pairing_url"`
	SessionFile     string        `yaml:"session_file"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	Providers       []Provider    `yaml:"providers"`
}

// Provider looks up a provider by id.
func (c *Config) Provider(id string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// Load reads and validates a config file, then applies environment
// overrides for client secrets (<PROVIDER>_WEB_CLIENT_SECRET and
// <PROVIDER>_DEVICE_CLIENT_SECRET, provider id uppercased).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Platform == "" {
		cfg.Platform = PlatformBrowser
	}
	if cfg.DeviceFlow == "" {
		cfg.DeviceFlow = DeviceFlowHybrid
	}
	if cfg.SessionLifetime == 0 {
		cfg.SessionLifetime = defaultSessionLifetime
	}
	if cfg.SessionFile == "" {
		home, _ := os.UserHomeDir()
		cfg.SessionFile = home + "/.hearthview/session.json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTHVIEW_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := strings.ToUpper(strings.ReplaceAll(p.ID, "-", "_"))
		if v := os.Getenv(prefix + "_WEB_CLIENT_SECRET"); v != "" {
			p.Web.ClientSecret = v
		}
		if v := os.Getenv(prefix + "_DEVICE_CLIENT_SECRET"); v != "" {
			p.Device.ClientSecret = v
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Platform {
	case PlatformTV, PlatformBrowser:
	default:
		return fmt.Errorf("invalid platform %q", cfg.Platform)
	}
	switch cfg.DeviceFlow {
	case DeviceFlowHybrid, DeviceFlowLegacy:
	default:
		return fmt.Errorf("invalid device_flow %q", cfg.DeviceFlow)
	}
	if cfg.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	seen := make(map[string]bool)
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !providerIDRegexp.MatchString(p.ID) {
			return fmt.Errorf("invalid provider id %q", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.TokenURL == "" || p.AuthURL == "" {
			return fmt.Errorf("provider %s: auth_url and token_url are required", p.ID)
		}
	}
	return nil
}
