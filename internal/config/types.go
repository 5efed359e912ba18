package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	ZFS           ZFSConfig           `mapstructure:"zfs"`
	Rclone        RcloneConfig        `mapstructure:"rclone"`
	Compression   CompressionConfig   `mapstructure:"compression"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Encryption    EncryptionConfig    `mapstructure:"encryption"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"` // 0 disables the timeout
	ConfigPassphrase string        `mapstructure:"config_passphrase"`
}

type ZFSConfig struct {
	Dataset           string `mapstructure:"dataset"`
	SnapshotPrefix    string `mapstructure:"snapshot_prefix"`
	SnapshotRetention int    `mapstructure:"snapshot_retention"`
	Binary            string `mapstructure:"binary"`
	// RetentionSet records whether snapshot_retention was configured at all.
	RetentionSet bool `mapstructure:"-"`
}

type RcloneConfig struct {
	Remote     string `mapstructure:"remote"`
	BucketName string `mapstructure:"bucket_name"`
	ConfigPath string `mapstructure:"config_path"`
	Binary     string `mapstructure:"binary"`
}

type CompressionConfig struct {
	Compressor string `mapstructure:"compressor"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // rclone, s3, local
	S3      S3Store    `mapstructure:"s3"`
	Local   LocalStore `mapstructure:"local"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

// EncryptionConfig enables DARE stream encryption of backup objects.
// Object names are unchanged, so restores must run with the same setting.
type EncryptionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"` // 32 bytes, base64 or hex
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixHook     `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixHook struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
