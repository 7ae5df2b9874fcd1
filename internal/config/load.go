package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/wxexp/internal/cryptoutil"
)

const (
	envPrefix = "WXEXP"

	DefaultAppDomain   = "AppDomain-com.tencent.xin"
	DefaultShareDomain = "AppDomainGroup-group.com.tencent.xin"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			vp.SetConfigType(configTypeFromPath(resolved))
			key := os.Getenv("WXEXP_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but WXEXP_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("WXEXP_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"wxexp.yaml",
		"wxexp.yml",
		"wxexp.toml",
		"wxexp.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "wxexp")
		for _, c := range append(candidates, "wxexp.yaml.enc", "wxexp.yml.enc", "wxexp.toml.enc") {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(trimmed) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "console")
	vp.SetDefault("global.operation_timeout", "12h")
	vp.SetDefault("backup.app_domain", DefaultAppDomain)
	vp.SetDefault("backup.share_domain", DefaultShareDomain)
	vp.SetDefault("export.ext_name", "html")
	vp.SetDefault("tasks.workers", 4)
	vp.SetDefault("tasks.poll_interval", "512ms")
	vp.SetDefault("tasks.retry_count", 3)
	vp.SetDefault("tasks.retry_backoff", "2s")
	vp.SetDefault("tasks.http_timeout", "30s")
	vp.SetDefault("pdf.timeout", "2m")
	vp.SetDefault("archive.compression", "zstd")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./archives")
}

// ApplyDefaults fills zero values that viper defaults cannot reach, such as
// configs built in code rather than loaded.
func ApplyDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 12 * time.Hour
	}
	if cfg.Backup.AppDomain == "" {
		cfg.Backup.AppDomain = DefaultAppDomain
	}
	if cfg.Backup.ShareDomain == "" {
		cfg.Backup.ShareDomain = DefaultShareDomain
	}
	if cfg.Export.ExtName == "" {
		cfg.Export.ExtName = "html"
	}
	if cfg.Tasks.Workers <= 0 {
		cfg.Tasks.Workers = 4
	}
	if cfg.Tasks.PollInterval <= 0 {
		cfg.Tasks.PollInterval = 512 * time.Millisecond
	}
	if cfg.Tasks.RetryBackoff == 0 {
		cfg.Tasks.RetryBackoff = 2 * time.Second
	}
	if cfg.Tasks.HTTPTimeout == 0 {
		cfg.Tasks.HTTPTimeout = 30 * time.Second
	}
	if cfg.PDF.Timeout == 0 {
		cfg.PDF.Timeout = 2 * time.Minute
	}
}

func expandEnv(cfg *Config) {
	cfg.Backup.Path = os.ExpandEnv(cfg.Backup.Path)
	cfg.Export.Output = os.ExpandEnv(cfg.Export.Output)
	cfg.Global.WorkDir = os.ExpandEnv(cfg.Global.WorkDir)
	cfg.Archive.EncryptionKey = os.ExpandEnv(cfg.Archive.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
