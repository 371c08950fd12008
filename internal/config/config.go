// Package config loads clauth's daemon configuration, grounded on the
// teacher's viper-based internal/config package: layered precedence
// (env > config file > defaults; no command-line flags are bound), SUDO_USER-aware home
// directory resolution, and mapstructure-tagged struct shape, re-keyed to
// clauth's process inputs (spec Section 6).
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResolveHomeDir returns the home directory of the real (non-root) user.
// When running under sudo, os.UserHomeDir() returns /root, which would not
// contain the invoking user's state directory.
func ResolveHomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// KDFConfig is the initial KDF parameter set (spec 6 `kdf.*`); consulted
// only for a fresh vault, overridden by an existing envelope thereafter.
type KDFConfig struct {
	Memory      uint32 `mapstructure:"memory"`
	Parallelism uint8  `mapstructure:"parallelism"`
	Iterations  uint32 `mapstructure:"iterations"`
	TagLength   int    `mapstructure:"tagLength"`
}

// FirewallConfig is spec 6 `firewall.*`.
type FirewallConfig struct {
	MinWarmupRequests   int     `mapstructure:"minWarmupRequests"`
	RateSpikeMultiplier float64 `mapstructure:"rateSpikeMultiplier"`
	BurstWindowMs       int     `mapstructure:"burstWindowMs"`
	BurstLimit          int     `mapstructure:"burstLimit"`
	OffHoursStart       int     `mapstructure:"offHoursStart"`
	OffHoursEnd         int     `mapstructure:"offHoursEnd"`
}

// AlertChannel is one entry of spec 6 `alertChannels[]`.
type AlertChannel struct {
	URL         string `mapstructure:"url"`
	MinSeverity string `mapstructure:"minSeverity"`
}

// HardeningConfig is spec 6 `hardening.*`.
type HardeningConfig struct {
	EnforceHTTPS                 bool  `mapstructure:"enforceHttps"`
	MaxRequestBodyBytes          int64 `mapstructure:"maxRequestBodyBytes"`
	SessionTTLSeconds            int   `mapstructure:"sessionTtlSeconds"`
	ChallengeTTLSeconds          int   `mapstructure:"challengeTtlSeconds"`
	IdentityMaxVerifyAttempts    int   `mapstructure:"identityMaxVerifyAttempts"`
	IdentityVerifyPerSkillPerMin int   `mapstructure:"identityVerifyPerSkillPerMinute"`
	IdentityVerifyPerIPPerMin    int   `mapstructure:"identityVerifyPerIpPerMinute"`
	RequireAdminTokenForIdentity bool  `mapstructure:"requireAdminTokenForIdentity"`
	AllowUnknownProviders        bool  `mapstructure:"allowUnknownProviders"`
	EmailWebhookURL              string `mapstructure:"emailWebhookUrl"`
	AdminToken                   string `mapstructure:"adminToken"`
}

// AdvisoryConfig configures the (external) advisory-feed poller.
type AdvisoryConfig struct {
	Feeds              []string `mapstructure:"feeds"`
	PollIntervalMs     int      `mapstructure:"pollIntervalMs"`
}

// Config is clauth's top-level daemon configuration (spec Section 6).
type Config struct {
	StateDir string `mapstructure:"stateDir"`

	Transport  string `mapstructure:"transport"` // "tcp" or "unix"
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	SocketPath string `mapstructure:"socketPath"`

	KDF            KDFConfig      `mapstructure:"kdf"`
	VaultSalt      string         `mapstructure:"vaultSalt"`
	SkillTokenSalt string         `mapstructure:"skillTokenSalt"`
	Firewall       FirewallConfig `mapstructure:"firewall"`
	AlertChannels  []AlertChannel `mapstructure:"alertChannels"`
	Hardening      HardeningConfig `mapstructure:"hardening"`
	Advisory       AdvisoryConfig  `mapstructure:"advisory"`

	LogFormat string `mapstructure:"logFormat"`
}

func defaults() Config {
	return Config{
		Transport: "tcp",
		Host:      "127.0.0.1",
		Port:      8743,
		KDF: KDFConfig{
			Memory:      64 * 1024,
			Parallelism: 0,
			Iterations:  3,
			TagLength:   16,
		},
		Firewall: FirewallConfig{
			MinWarmupRequests:   20,
			RateSpikeMultiplier: 3.0,
			BurstWindowMs:       60_000,
			BurstLimit:          30,
		},
		Hardening: HardeningConfig{
			EnforceHTTPS:                 true,
			MaxRequestBodyBytes:          10 << 20,
			SessionTTLSeconds:            3600,
			ChallengeTTLSeconds:          600,
			IdentityMaxVerifyAttempts:    5,
			IdentityVerifyPerSkillPerMin: 10,
			IdentityVerifyPerIPPerMin:    30,
		},
		LogFormat: "text",
	}
}

// Load reads clauth's config file (if present) layered over defaults, with
// CLAUTH_-prefixed environment variables taking precedence, following the
// teacher's viper precedence idiom.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	d := defaults()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("clauth")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, d)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	} else {
		home, err := ResolveHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "clauth"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := ResolveHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolving home directory: %w", err)
		}
		cfg.StateDir = filepath.Join(home, ".local", "share", "clauth")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("transport", d.Transport)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("kdf.memory", d.KDF.Memory)
	v.SetDefault("kdf.iterations", d.KDF.Iterations)
	v.SetDefault("kdf.tagLength", d.KDF.TagLength)
	v.SetDefault("firewall.minWarmupRequests", d.Firewall.MinWarmupRequests)
	v.SetDefault("firewall.rateSpikeMultiplier", d.Firewall.RateSpikeMultiplier)
	v.SetDefault("firewall.burstWindowMs", d.Firewall.BurstWindowMs)
	v.SetDefault("firewall.burstLimit", d.Firewall.BurstLimit)
	v.SetDefault("hardening.enforceHttps", d.Hardening.EnforceHTTPS)
	v.SetDefault("hardening.maxRequestBodyBytes", d.Hardening.MaxRequestBodyBytes)
	v.SetDefault("hardening.sessionTtlSeconds", d.Hardening.SessionTTLSeconds)
	v.SetDefault("hardening.challengeTtlSeconds", d.Hardening.ChallengeTTLSeconds)
	v.SetDefault("hardening.identityMaxVerifyAttempts", d.Hardening.IdentityMaxVerifyAttempts)
	v.SetDefault("hardening.identityVerifyPerSkillPerMinute", d.Hardening.IdentityVerifyPerSkillPerMin)
	v.SetDefault("hardening.identityVerifyPerIpPerMinute", d.Hardening.IdentityVerifyPerIPPerMin)
	v.SetDefault("logFormat", d.LogFormat)
}

// Window converts BurstWindowMs to a time.Duration.
func (f FirewallConfig) Window() time.Duration {
	if f.BurstWindowMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(f.BurstWindowMs) * time.Millisecond
}

// Paths returns the conventional per-deployment state file paths (spec 6).
type Paths struct {
	Vault               string
	Scopes              string
	Audit               string
	Firewall            string
	SkillAuth           string
	SessionRevocations  string
	OAuthTokens         string
	IdentityState       string
	AdvisoryState       string
}

func (c *Config) Paths() Paths {
	return Paths{
		Vault:              filepath.Join(c.StateDir, "vault.enc"),
		Scopes:             filepath.Join(c.StateDir, "scopes.json"),
		Audit:              filepath.Join(c.StateDir, "audit.ndjson"),
		Firewall:           filepath.Join(c.StateDir, "firewall.json"),
		SkillAuth:          filepath.Join(c.StateDir, "skill-auth.json"),
		SessionRevocations: filepath.Join(c.StateDir, "session-revocations.json"),
		OAuthTokens:        filepath.Join(c.StateDir, "oauth-tokens.json"),
		IdentityState:      filepath.Join(c.StateDir, "identity-state.json"),
		AdvisoryState:      filepath.Join(c.StateDir, "advisory-state.json"),
	}
}
