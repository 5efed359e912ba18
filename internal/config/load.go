package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rowjay/zfs-backup-utility/internal/cryptoutil"
)

const (
	envPrefix = "ZBU"

	// DefaultPath is tried when no config path is given.
	DefaultPath = "config.ini"
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
			key := os.Getenv("ZBU_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but ZBU_CONFIG_KEY is not set")
			}
			data, err = decryptConfig(data, key)
			if err != nil {
				return nil, fmt.Errorf("decrypt config: %w", err)
			}
		}
		if err := readConfig(vp, configTypeFromPath(resolved), data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ZFS.RetentionSet = vp.IsSet("zfs.snapshot_retention")
	expandEnv(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("configuration file not found at %s: %w", path, err)
		}
		return path, nil
	}
	if envPath := os.Getenv("ZBU_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		DefaultPath,
		"zbu.ini",
		"zbu.yaml",
		"zbu.yml",
		"zbu.toml",
		"zbu.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "zbu")
		for _, c := range candidates {
			for _, name := range []string{c, c + ".enc"} {
				p := filepath.Join(base, name)
				if _, err := os.Stat(p); err == nil {
					return p, nil
				}
			}
		}
	}

	return "", nil
}

// readConfig feeds data to viper. Viper has no ini codec, so ini is parsed here and merged.
func readConfig(vp *viper.Viper, configType string, data []byte) error {
	if configType != "ini" {
		vp.SetConfigType(configType)
		return vp.ReadConfig(bytes.NewReader(data))
	}
	values, err := parseINI(data)
	if err != nil {
		return err
	}
	return vp.MergeConfigMap(values)
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "ini"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "console")
	vp.SetDefault("global.operation_timeout", "0s")
	vp.SetDefault("zfs.binary", "zfs")
	vp.SetDefault("rclone.binary", "rclone")
	vp.SetDefault("compression.compressor", "pigz")
	vp.SetDefault("storage.backend", "rclone")
	vp.SetDefault("storage.local.path", "./backups")
	vp.SetDefault("encryption.enabled", false)
	// Registered so AutomaticEnv can populate keys absent from the file.
	for _, key := range []string{
		"zfs.dataset", "zfs.snapshot_prefix",
		"rclone.remote", "rclone.bucket_name", "rclone.config_path",
		"global.lock_file", "encryption.key",
		"storage.s3.endpoint", "storage.s3.bucket", "storage.s3.region",
		"storage.s3.access_key", "storage.s3.secret_key", "storage.s3.session_token",
	} {
		vp.SetDefault(key, "")
	}
}

func expandEnv(cfg *Config) {
	cfg.Encryption.Key = os.ExpandEnv(cfg.Encryption.Key)
	cfg.Rclone.ConfigPath = os.ExpandEnv(cfg.Rclone.ConfigPath)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	for i := range cfg.Notifications.Webhooks {
		cfg.Notifications.Webhooks[i].URL = os.ExpandEnv(cfg.Notifications.Webhooks[i].URL)
	}
	for i := range cfg.Notifications.Mattermost {
		cfg.Notifications.Mattermost[i].URL = os.ExpandEnv(cfg.Notifications.Mattermost[i].URL)
	}
	for i := range cfg.Notifications.Matrix {
		cfg.Notifications.Matrix[i].AccessToken = os.ExpandEnv(cfg.Notifications.Matrix[i].AccessToken)
	}
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
