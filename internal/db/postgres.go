package db

import (
	"context"
	"strconv"

	"github.com/rowjay/registry-backup/internal/config"
)

// PostgresAdapter dumps plain SQL with pg_dump and replays it with psql.
// Connection settings go through libpq environment variables.
type PostgresAdapter struct {
	allowMissingTools bool
}

func NewPostgresAdapter(allowMissingTools bool) *PostgresAdapter {
	return &PostgresAdapter{allowMissingTools: allowMissingTools}
}

func (p *PostgresAdapter) Name() string { return "postgres" }

func (p *PostgresAdapter) Extension() string { return "sql" }

func (p *PostgresAdapter) tools(cfg config.DatabaseConfig) cliTools {
	return cliTools{allowMissing: p.allowMissingTools, env: postgresEnv(cfg)}
}

func (p *PostgresAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	t := p.tools(cfg)
	if err := t.require("pg_dump", "psql"); err != nil {
		return err
	}
	return t.probe(ctx, "pg_isready", nil)
}

func (p *PostgresAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig) (*DumpStream, error) {
	// --clean makes the plain dump self-replacing when replayed.
	args := []string{"--format=plain", "--no-owner", "--no-privileges", "--clean", "--if-exists"}
	return p.tools(cfg).dump(ctx, "pg_dump", args)
}

func (p *PostgresAdapter) Restore(ctx context.Context, cfg config.DatabaseConfig, opts config.RestoreConfig) (*RestoreStream, error) {
	args := []string{"--quiet", "--no-psqlrc"}
	if opts.StopOnError {
		args = append(args, "--set", "ON_ERROR_STOP=1", "--single-transaction")
	}
	return p.tools(cfg).restore(ctx, "psql", args)
}

func postgresEnv(cfg config.DatabaseConfig) map[string]string {
	env := map[string]string{
		"PGHOST":     cfg.Host,
		"PGPORT":     portOrDefault(cfg.Port, 5432),
		"PGUSER":     cfg.Username,
		"PGDATABASE": cfg.Database,
	}
	for k, v := range map[string]string{
		"PGPASSWORD":    cfg.Password,
		"PGSSLMODE":     cfg.SSLMode,
		"PGSSLROOTCERT": cfg.SSLCA,
		"PGSSLCERT":     cfg.SSLCert,
		"PGSSLKEY":      cfg.SSLKey,
	} {
		if v != "" {
			env[k] = v
		}
	}
	if cfg.ConnectionTimeout > 0 {
		env["PGCONNECT_TIMEOUT"] = strconv.Itoa(int(cfg.ConnectionTimeout.Seconds()))
	}
	return env
}
