package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	dirName   = ".clawbridge"
	fileName  = "config.yaml"
	envPrefix = "CLAWBRIDGE"
)

type Config struct {
	Version    string           `mapstructure:"version"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Client     ClientConfig     `mapstructure:"client"`
	Session    SessionConfig    `mapstructure:"session"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DevGateway DevGatewayConfig `mapstructure:"devgateway"`
}

type GatewayConfig struct {
	URL    string   `mapstructure:"url"`
	Token  string   `mapstructure:"token"`
	Role   string   `mapstructure:"role"`
	Scopes []string `mapstructure:"scopes"`
}

type ClientConfig struct {
	ID              string `mapstructure:"id"`
	DisplayName     string `mapstructure:"display_name"`
	Version         string `mapstructure:"version"`
	Mode            string `mapstructure:"mode"`
	Platform        string `mapstructure:"platform"`
	DeviceFamily    string `mapstructure:"device_family"`
	ModelIdentifier string `mapstructure:"model_identifier"`
}

type SessionConfig struct {
	Key          string `mapstructure:"key"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

type DevGatewayConfig struct {
	Listen        string `mapstructure:"listen"`
	Path          string `mapstructure:"path"`
	Token         string `mapstructure:"token"`
	InternalToken string `mapstructure:"internal_token"`
}

type LoadOptions struct {
	ConfigFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0")

	v.SetDefault("gateway.url", "ws://127.0.0.1:18789")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.role", "operator")
	v.SetDefault("gateway.scopes", []string{"operator.admin", "operator.write", "operator.read"})

	v.SetDefault("client.id", "clawbridge-cli")
	v.SetDefault("client.display_name", "clawbridge")
	v.SetDefault("client.version", "0.1.0")
	v.SetDefault("client.mode", "cli")
	v.SetDefault("client.platform", defaultPlatform())
	v.SetDefault("client.device_family", "Desktop")
	v.SetDefault("client.model_identifier", "clawbridge")

	v.SetDefault("session.key", "main")
	v.SetDefault("session.history_limit", 50)

	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.max_delay", 16*time.Second)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "clawbridge:")
	v.SetDefault("redis.status_ttl", 30*time.Second)

	v.SetDefault("devgateway.listen", "127.0.0.1:18789")
	v.SetDefault("devgateway.path", "/")
	v.SetDefault("devgateway.token", "")
	v.SetDefault("devgateway.internal_token", "")
}

// Load merges defaults, the resolved config file and CLAWBRIDGE_* environment
// variables. A missing file is only an error when it was named explicitly.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ResolveConfigPath(opts.ConfigFile)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if opts.ConfigFile != "" || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.URL) == "" {
		return errors.New("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url: unsupported scheme %q (want ws or wss)", u.Scheme)
	}
	if c.Client.ID == "" {
		return errors.New("client.id is required")
	}
	if c.Session.Key == "" {
		return errors.New("session.key is required")
	}
	if c.Session.HistoryLimit <= 0 {
		return errors.New("session.history_limit must be > 0")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.MaxDelay <= 0 {
		return errors.New("reconnect.max_delay must be > 0")
	}
	if c.Redis.URL != "" && c.Redis.StatusTTL <= 0 {
		return errors.New("redis.status_ttl must be > 0")
	}
	return nil
}

// ResolveConfigPath returns explicit when set, otherwise the nearest
// .clawbridge/config.yaml between the working directory and the project root,
// otherwise DefaultConfigPath.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if wd, err := os.Getwd(); err == nil {
		if found := searchUp(wd); found != "" {
			return found
		}
	}
	return DefaultConfigPath()
}

func searchUp(start string) string {
	dir := start
	for {
		candidate := filepath.Join(dir, dirName, fileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(dirName, fileName)
	}
	return filepath.Join(home, dirName, fileName)
}

// ApplyFile copies src to dst, creating the parent directory.
func ApplyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func defaultPlatform() string {
	return runtime.GOOS
}
