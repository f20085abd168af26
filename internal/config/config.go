// Package config loads peerchat settings from defaults, an optional YAML
// file, PEERCHAT_* environment variables and command line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pliu/peerchat/internal/hybrid"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ProviderCloudflared = "cloudflared"
	ProviderTor         = "tor"
)

type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	DisplayName string `mapstructure:"display_name"`
	// UserID is the raw user id. Only its salted hash leaves the machine.
	UserID string `mapstructure:"user_id"`

	Identity IdentityConfig `mapstructure:"identity"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Listener ListenerConfig `mapstructure:"listener"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`

	// Args holds the positional arguments left after flags.
	Args []string `mapstructure:"-"`
	// QRImage is a QR code image holding an invitation.
	QRImage string `mapstructure:"-"`
}

type IdentityConfig struct {
	SaltVersion string `mapstructure:"salt_version"`
}

type TunnelConfig struct {
	Provider     string        `mapstructure:"provider"`
	Binary       string        `mapstructure:"binary"`
	ReleaseURL   string        `mapstructure:"release_url"`
	AssetName    string        `mapstructure:"asset_name"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	AutoUpdate   bool          `mapstructure:"auto_update"`
	TorDataDir   string        `mapstructure:"tor_data_dir"`
}

type ListenerConfig struct {
	BindAttempts    int           `mapstructure:"bind_attempts"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SyncConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SecurityConfig struct {
	VerificationPolicy string `mapstructure:"verification_policy"`
	RequireEncryption  bool   `mapstructure:"require_encryption"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load builds the configuration for the given command line arguments,
// without the program name.
func Load(args []string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("peerchat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.peerchat")

	v.AutomaticEnv()
	v.SetEnvPrefix("PEERCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Args = fs.Args()
	cfg.QRImage, _ = fs.GetString("qr")

	if cfg.Tunnel.Binary == "" {
		name := "cloudflared"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		cfg.Tunnel.Binary = filepath.Join(cfg.DataDir, "bin", name)
	}
	if cfg.Tunnel.TorDataDir == "" {
		cfg.Tunnel.TorDataDir = filepath.Join(cfg.DataDir, "tor")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".peerchat"))
	v.SetDefault("display_name", "")
	v.SetDefault("user_id", defaultUserID())

	v.SetDefault("identity.salt_version", "v1")

	v.SetDefault("tunnel.provider", ProviderCloudflared)
	v.SetDefault("tunnel.binary", "")
	v.SetDefault("tunnel.release_url", "https://api.github.com/repos/cloudflare/cloudflared/releases/latest")
	v.SetDefault("tunnel.asset_name", "")
	v.SetDefault("tunnel.start_timeout", "10s")
	v.SetDefault("tunnel.stop_grace", "5s")
	v.SetDefault("tunnel.auto_update", true)
	v.SetDefault("tunnel.tor_data_dir", "")

	v.SetDefault("listener.bind_attempts", 3)
	v.SetDefault("listener.shutdown_timeout", "5s")

	v.SetDefault("sync.poll_interval", "5s")
	v.SetDefault("sync.request_timeout", "10s")

	v.SetDefault("security.verification_policy", "warn")
	v.SetDefault("security.require_encryption", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func defaultUserID() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	host, _ := os.Hostname()
	return user + "@" + host
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("peerchat", pflag.ContinueOnError)
	fs.String("config", "", "config file (default peerchat.yaml in ., ./config or $HOME/.peerchat)")
	fs.String("data-dir", "", "directory for keys, trusted peers and chats")
	fs.String("name", "", "display name shown to peers")
	fs.String("user-id", "", "raw user id hashed into the peer identity")
	fs.String("tunnel", "", "tunnel provider: cloudflared or tor")
	fs.String("tunnel-binary", "", "path of the cloudflared binary")
	fs.Bool("no-update", false, "do not refresh the tunnel binary before hosting")
	fs.String("verify", "", "on signature failure: warn or reject")
	fs.Bool("allow-plaintext", false, "accept and serve plaintext messages")
	fs.Duration("poll", 0, "poll interval for joined chats")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.Bool("dev", false, "human readable development logging")
	fs.String("qr", "", "read the invitation from a QR code image")
	return fs
}

// bindFlags maps flags onto keys. Inverted flags are applied only when set.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"data_dir":                     "data-dir",
		"display_name":                 "name",
		"user_id":                      "user-id",
		"tunnel.provider":              "tunnel",
		"tunnel.binary":                "tunnel-binary",
		"security.verification_policy": "verify",
		"sync.poll_interval":           "poll",
		"log.level":                    "log-level",
		"log.development":              "dev",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	if fs.Changed("no-update") {
		off, _ := fs.GetBool("no-update")
		v.Set("tunnel.auto_update", !off)
	}
	if fs.Changed("allow-plaintext") {
		allow, _ := fs.GetBool("allow-plaintext")
		v.Set("security.require_encryption", !allow)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if strings.TrimSpace(c.UserID) == "" || c.UserID == "@" {
		return errors.New("user_id must be set")
	}
	if _, err := hybrid.HashIdentityVersion(c.UserID, c.Identity.SaltVersion); err != nil {
		return fmt.Errorf("identity.salt_version: %w", err)
	}
	switch c.Tunnel.Provider {
	case ProviderCloudflared, ProviderTor:
	default:
		return fmt.Errorf("tunnel.provider: unknown provider %q", c.Tunnel.Provider)
	}
	if _, err := securechannel.ParsePolicy(c.Security.VerificationPolicy); err != nil {
		return fmt.Errorf("security.verification_policy: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Listener.BindAttempts < 1 {
		return errors.New("listener.bind_attempts must be at least 1")
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	return nil
}

// PeerIdentity is the salted hash of UserID.
func (c *Config) PeerIdentity() string {
	id, _ := hybrid.HashIdentityVersion(c.UserID, c.Identity.SaltVersion)
	return id
}

// Name is the display name, falling back to the user part of UserID.
func (c *Config) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	name, _, _ := strings.Cut(c.UserID, "@")
	return name
}

// Policy is the parsed verification policy.
func (c *Config) Policy() securechannel.Policy {
	p, _ := securechannel.ParsePolicy(c.Security.VerificationPolicy)
	return p
}

// NewLogger builds the root logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
