package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log Log `yaml:"log"`

	Callback Callback `yaml:"callback"`
	Proxy    Proxy    `yaml:"proxy"`
	Identity Identity `yaml:"identity"`
	SysProxy SysProxy `yaml:"sysproxy"`
}

// Log 日志配置
type Log struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
	MaxAgeDays int      `yaml:"maxAgeDays"`
}

// Callback 授权回调监听配置
type Callback struct {
	Port      int    `yaml:"port"`
	LaunchURL string `yaml:"launchURL"`
}

// Proxy 拦截代理配置
type Proxy struct {
	Port          int           `yaml:"port"`
	CertFile      string        `yaml:"certFile"`
	KeyFile       string        `yaml:"keyFile"`
	BackendHost   string        `yaml:"backendHost"`
	LoopbackHosts []string      `yaml:"loopbackHosts"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	StopTimeout   time.Duration `yaml:"stopTimeout"`
}

// Identity 身份提供方配置
type Identity struct {
	ClientID     string        `yaml:"clientID"`
	Scopes       []string      `yaml:"scopes"`
	RedirectURI  string        `yaml:"redirectURI"`
	LoginURL     string        `yaml:"loginURL"`
	AuthorizeURL string        `yaml:"authorizeURL"`
	TokenURL     string        `yaml:"tokenURL"`
	UserURL      string        `yaml:"userURL"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SysProxy 系统代理命令配置
type SysProxy struct {
	Shell        []string `yaml:"shell"`
	SetCommand   string   `yaml:"setCommand"`
	ResetCommand string   `yaml:"resetCommand"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{
		Version: "1.0.0",
		Log: Log{
			Level:      "info",
			Writer:     []string{"console", "file"},
			File:       "logs/darwinrelay.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Callback: Callback{
			Port:      80,
			LaunchURL: "steam://rungameid/544920",
		},
		Proxy: Proxy{
			Port:          8000,
			CertFile:      "keys/selfsigned.crt",
			KeyFile:       "keys/selfsigned.key",
			BackendHost:   "pc-live.api.darwinproject.ca",
			LoopbackHosts: []string{"localhost", "127.0.0.1"},
			ShutdownGrace: 2 * time.Second,
			StopTimeout:   5 * time.Second,
		},
		Identity: Identity{
			ClientID: "loox1r4lxrnukxnxou9hx90r796h70",
			Scopes: []string{
				"user_read",
				"viewing_activity_read",
				"user:read:broadcast",
				"user:edit:broadcast",
			},
			RedirectURI:  "http://localhost",
			LoginURL:     "https://www.twitch.tv/login",
			AuthorizeURL: "https://id.twitch.tv/oauth2/authorize",
			TokenURL:     "https://pc-live.api.darwinproject.ca/authentication/twitch",
			UserURL:      "https://api.twitch.tv/helix/users",
			Timeout:      30 * time.Second,
		},
		SysProxy: SysProxy{
			Shell:        []string{"powershell.exe", "-NoProfile", "-Command"},
			SetCommand:   "netsh winhttp set proxy 127.0.0.1:%d",
			ResetCommand: "netsh winhttp reset proxy",
		},
	}
	cfg.Sqlite.Dsn = "darwinrelay.sqlite3"
	cfg.Sqlite.Prefix = "darwinrelay_"
	return cfg
}

// Load 读取 YAML 配置文件并覆盖默认值，path 为空时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Callback.Port <= 0 || c.Callback.Port > 65535 {
		errs = append(errs, fmt.Errorf("callback.port out of range: %d", c.Callback.Port))
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port))
	}
	if c.Proxy.Port == c.Callback.Port {
		errs = append(errs, errors.New("proxy.port and callback.port must differ"))
	}
	if c.Proxy.BackendHost == "" {
		errs = append(errs, errors.New("proxy.backendHost is required"))
	}
	if c.Proxy.ShutdownGrace < 0 {
		errs = append(errs, errors.New("proxy.shutdownGrace must not be negative"))
	}
	if c.Identity.ClientID == "" {
		errs = append(errs, errors.New("identity.clientID is required"))
	}
	if len(c.Identity.Scopes) == 0 {
		errs = append(errs, errors.New("identity.scopes must not be empty"))
	}
	if c.Identity.TokenURL == "" || c.Identity.UserURL == "" {
		errs = append(errs, errors.New("identity.tokenURL and identity.userURL are required"))
	}
	if c.Identity.Timeout <= 0 {
		errs = append(errs, errors.New("identity.timeout must be positive"))
	}
	if c.SysProxy.SetCommand == "" || c.SysProxy.ResetCommand == "" {
		errs = append(errs, errors.New("sysproxy.setCommand and sysproxy.resetCommand are required"))
	}
	return errors.Join(errs...)
}
