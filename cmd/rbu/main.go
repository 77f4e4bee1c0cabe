package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/registry-backup/internal/app"
	"github.com/rowjay/registry-backup/internal/archive"
	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/db"
	"github.com/rowjay/registry-backup/internal/logging"
	"github.com/rowjay/registry-backup/internal/metrics"
	"github.com/rowjay/registry-backup/internal/notify"
	"github.com/rowjay/registry-backup/internal/operation"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	DBType      string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	SQLitePath  string
	BackupDir   string
	FilesRoot   string
	Compression string
	Archiver    string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:          "rbu",
		Short:        "Backup and restore for the registry database and document storage",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.DBType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	rootCmd.PersistentFlags().StringVar(&overrides.DBHost, "db-host", "", "Database host")
	rootCmd.PersistentFlags().IntVar(&overrides.DBPort, "db-port", 0, "Database port")
	rootCmd.PersistentFlags().StringVar(&overrides.DBUser, "db-user", "", "Database username")
	rootCmd.PersistentFlags().StringVar(&overrides.DBPassword, "db-password", "", "Database password")
	rootCmd.PersistentFlags().StringVar(&overrides.DBName, "db-name", "", "Database name")
	rootCmd.PersistentFlags().StringVar(&overrides.SQLitePath, "sqlite-path", "", "SQLite file path")
	rootCmd.PersistentFlags().StringVar(&overrides.BackupDir, "backup-dir", "", "Directory holding backup artifacts")
	rootCmd.PersistentFlags().StringVar(&overrides.FilesRoot, "files-root", "", "Root of the document storage tree")
	rootCmd.PersistentFlags().StringVar(&overrides.Compression, "compression", "", "Database dump compression (none, gzip, zstd)")
	rootCmd.PersistentFlags().StringVar(&overrides.Archiver, "archiver", "", "Files archiver (native, zip)")

	rootCmd.AddCommand(newServeCmd(root, overrides))
	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newDeleteCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is everything a command needs, built from config.
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	app      *app.App
	registry *prometheus.Registry
	close    func()
}

func (rt *runtime) commands() app.Commands { return rt.app.Commands() }

func setup(root *rootFlags, overrides *overrideFlags) (*runtime, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

	adapter, err := db.NewAdapter(cfg.Database.Type, cfg.Global.AllowMissingTools)
	if err != nil {
		return nil, err
	}
	archiver, err := archive.New(cfg.Backup.Archiver, cfg.Global.AllowMissingTools)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracker := operation.NewTracker(store, logger)
	a := app.New(cfg, adapter, archiver, tracker, logger,
		app.WithMetrics(metrics.New(registry)),
		app.WithNotifier(notify.FromConfig(cfg.Notifications)),
	)
	return &runtime{cfg: cfg, log: logger, app: a, registry: registry, close: closeStore}, nil
}

func newStore(cfg *config.Config) (operation.Store, func(), error) {
	ops := cfg.Operations
	if ops.Store != "redis" {
		return operation.NewMemoryStore(ops.Retention), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     ops.Redis.Addr,
		Username: ops.Redis.Username,
		Password: ops.Redis.Password,
		DB:       ops.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", ops.Redis.Addr, err)
	}
	// Running operations outlive a crashed worker for at most one timeout plus retention.
	runningTTL := cfg.Global.OperationTimeout + ops.Retention
	store := operation.NewRedisStore(client, ops.Redis.KeyPrefix, ops.Retention, runningTTL)
	return store, func() { _ = client.Close() }, nil
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.DBType != "" {
		cfg.Database.Type = overrides.DBType
	}
	if overrides.DBHost != "" {
		cfg.Database.Host = overrides.DBHost
	}
	if overrides.DBPort != 0 {
		cfg.Database.Port = overrides.DBPort
	}
	if overrides.DBUser != "" {
		cfg.Database.Username = overrides.DBUser
	}
	if overrides.DBPassword != "" {
		cfg.Database.Password = overrides.DBPassword
	}
	if overrides.DBName != "" {
		cfg.Database.Database = overrides.DBName
	}
	if overrides.SQLitePath != "" {
		cfg.Database.SQLitePath = overrides.SQLitePath
	}

	if overrides.BackupDir != "" {
		if cfg.Global.LockFile == defaultLockFile(cfg.Backup.Directory) {
			cfg.Global.LockFile = defaultLockFile(overrides.BackupDir)
		}
		cfg.Backup.Directory = overrides.BackupDir
	}
	if overrides.FilesRoot != "" {
		cfg.Backup.FilesRoot = overrides.FilesRoot
	}
	if overrides.Compression != "" {
		cfg.Backup.Compression = overrides.Compression
	}
	if overrides.Archiver != "" {
		cfg.Backup.Archiver = overrides.Archiver
	}

	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Backup.Archiver = strings.ToLower(cfg.Backup.Archiver)
}

func defaultLockFile(dir string) string {
	return filepath.Join(dir, ".rbu.lock")
}
