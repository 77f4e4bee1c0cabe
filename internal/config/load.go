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

	"github.com/rowjay/registry-backup/internal/cryptoutil"
)

const (
	envPrefix = "RBU"
	appName   = "rbu"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		if err := readConfigFile(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	normalize(&cfg)
	return &cfg, nil
}

func readConfigFile(vp *viper.Viper, path string) error {
	if !isEncryptedPath(path) {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	vp.SetConfigType(configTypeFromPath(path))
	key := os.Getenv("RBU_CONFIG_KEY")
	if key == "" {
		key = vp.GetString("global.config_passphrase")
	}
	if key == "" {
		return errors.New("config file is encrypted but RBU_CONFIG_KEY is not set")
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	plain, err := cryptoutil.DecryptConfig(data, parsed)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv("RBU_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{appName + ".yaml", appName + ".yml", appName + ".toml", appName + ".json"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	base := filepath.Join(configDir, appName)
	for _, c := range candidates {
		for _, suffix := range []string{"", ".enc"} {
			p := filepath.Join(base, c+suffix)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
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
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("database.type", "postgres")
	vp.SetDefault("backup.directory", "./backups")
	vp.SetDefault("backup.files_root", "./storage")
	vp.SetDefault("backup.compression", "none")
	vp.SetDefault("backup.archiver", "native")
	vp.SetDefault("backup.pair_tolerance", "1m")
	vp.SetDefault("restore.stop_on_error", true)
	vp.SetDefault("operations.store", "memory")
	vp.SetDefault("operations.retention", "1h")
	vp.SetDefault("operations.redis.addr", "127.0.0.1:6379")
	vp.SetDefault("operations.redis.key_prefix", "rbu:operation:")
	vp.SetDefault("server.listen", "127.0.0.1:8085")
	vp.SetDefault("server.rate_limit", 30)
	vp.SetDefault("server.shutdown_timeout", "30s")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if cfg.Operations.Retention == 0 {
		cfg.Operations.Retention = time.Hour
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Global.LockFile == "" && cfg.Backup.Directory != "" {
		cfg.Global.LockFile = filepath.Join(cfg.Backup.Directory, ".rbu.lock")
	}
}

func normalize(cfg *Config) {
	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Backup.Archiver = strings.ToLower(cfg.Backup.Archiver)
	cfg.Operations.Store = strings.ToLower(cfg.Operations.Store)
}

func expandEnv(cfg *Config) {
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Database.Username = os.ExpandEnv(cfg.Database.Username)
	cfg.Operations.Redis.Password = os.ExpandEnv(cfg.Operations.Redis.Password)
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
	}
	return cfg
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.Directory == "" {
		errs = append(errs, errors.New("backup.directory is required"))
	}
	if c.Backup.FilesRoot == "" {
		errs = append(errs, errors.New("backup.files_root is required"))
	}
	if c.Backup.Directory != "" && c.Backup.FilesRoot != "" && within(c.Backup.FilesRoot, c.Backup.Directory) {
		errs = append(errs, errors.New("backup.directory must not be inside backup.files_root"))
	}
	if c.Backup.PairTolerance < 0 {
		errs = append(errs, errors.New("backup.pair_tolerance must not be negative"))
	}
	switch c.Backup.Compression {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unsupported backup.compression: %s", c.Backup.Compression))
	}
	switch c.Backup.Archiver {
	case "native", "zip":
	default:
		errs = append(errs, fmt.Errorf("unsupported backup.archiver: %s", c.Backup.Archiver))
	}
	switch c.Operations.Store {
	case "memory":
	case "redis":
		if c.Operations.Redis.Addr == "" {
			errs = append(errs, errors.New("operations.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported operations.store: %s", c.Operations.Store))
	}
	return errors.Join(errs...)
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
