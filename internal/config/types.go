package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Operations    OperationsConfig    `mapstructure:"operations"`
	Server        ServerConfig        `mapstructure:"server"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"` // json or console
	LockFile          string        `mapstructure:"lock_file"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase  string        `mapstructure:"config_passphrase"` // optional; may come from env
	AllowMissingTools bool          `mapstructure:"allow_missing_tools"`
}

type DatabaseConfig struct {
	Type              string        `mapstructure:"type"` // postgres, mysql, sqlite
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	SSLCA             string        `mapstructure:"ssl_ca"`
	SSLCert           string        `mapstructure:"ssl_cert"`
	SSLKey            string        `mapstructure:"ssl_key"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
}

type BackupConfig struct {
	Directory     string        `mapstructure:"directory"`
	FilesRoot     string        `mapstructure:"files_root"`
	Compression   string        `mapstructure:"compression"` // none, gzip, zstd
	Archiver      string        `mapstructure:"archiver"`    // native, zip
	PairTolerance time.Duration `mapstructure:"pair_tolerance"`
}

type RestoreConfig struct {
	StopOnError bool `mapstructure:"stop_on_error"`
}

type OperationsConfig struct {
	Store     string        `mapstructure:"store"` // memory, redis
	Retention time.Duration `mapstructure:"retention"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	RateLimit       int           `mapstructure:"rate_limit"` // mutating requests per minute per client; 0 disables
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
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

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
