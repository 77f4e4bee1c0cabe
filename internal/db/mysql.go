package db

import (
	"context"
	"fmt"

	"github.com/rowjay/registry-backup/internal/config"
)

// MySQLAdapter dumps with mysqldump and replays with the mysql client.
// The password travels in MYSQL_PWD so it never shows up in ps output.
type MySQLAdapter struct {
	allowMissingTools bool
}

func NewMySQLAdapter(allowMissingTools bool) *MySQLAdapter {
	return &MySQLAdapter{allowMissingTools: allowMissingTools}
}

func (m *MySQLAdapter) Name() string { return "mysql" }

func (m *MySQLAdapter) Extension() string { return "sql" }

func (m *MySQLAdapter) tools(cfg config.DatabaseConfig) cliTools {
	t := cliTools{allowMissing: m.allowMissingTools}
	if cfg.Password != "" {
		t.env = map[string]string{"MYSQL_PWD": cfg.Password}
	}
	return t
}

func (m *MySQLAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	t := m.tools(cfg)
	if err := t.require("mysqldump", "mysql"); err != nil {
		return err
	}
	return t.probe(ctx, "mysqladmin", append([]string{"ping"}, mysqlConnArgs(cfg)...))
}

func (m *MySQLAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig) (*DumpStream, error) {
	args := append([]string{"--single-transaction", "--routines", "--events", "--triggers", "--add-drop-table"}, mysqlConnArgs(cfg)...)
	for flag, v := range map[string]string{
		"--ssl-mode": cfg.SSLMode,
		"--ssl-ca":   cfg.SSLCA,
		"--ssl-cert": cfg.SSLCert,
		"--ssl-key":  cfg.SSLKey,
	} {
		if v != "" {
			args = append(args, flag+"="+v)
		}
	}
	args = append(args, "--databases", cfg.Database)
	return m.tools(cfg).dump(ctx, "mysqldump", args)
}

func (m *MySQLAdapter) Restore(ctx context.Context, cfg config.DatabaseConfig, opts config.RestoreConfig) (*RestoreStream, error) {
	args := mysqlConnArgs(cfg)
	if !opts.StopOnError {
		args = append(args, "--force")
	}
	return m.tools(cfg).restore(ctx, "mysql", append(args, cfg.Database))
}

func mysqlConnArgs(cfg config.DatabaseConfig) []string {
	args := []string{"-h", cfg.Host, "-P", portOrDefault(cfg.Port, 3306), "-u", cfg.Username}
	if cfg.ConnectionTimeout > 0 {
		args = append(args, fmt.Sprintf("--connect-timeout=%d", int(cfg.ConnectionTimeout.Seconds())))
	}
	return args
}
