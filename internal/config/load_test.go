package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  type: MySQL
  host: db.internal
  password: ${RBU_TEST_DB_PASSWORD}
backup:
  directory: /var/backups/registry
  files_root: /srv/registry/storage
  compression: ZSTD
  pair_tolerance: 30s
operations:
  retention: 15m
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "rbu.yaml", "{}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.Global.OperationTimeout)
	assert.Equal(t, "./backups", cfg.Backup.Directory)
	assert.Equal(t, "native", cfg.Backup.Archiver)
	assert.Equal(t, time.Minute, cfg.Backup.PairTolerance)
	assert.Equal(t, "memory", cfg.Operations.Store)
	assert.Equal(t, time.Hour, cfg.Operations.Retention)
	assert.Equal(t, RestoreConfig{StopOnError: true}, cfg.Restore)
	assert.Equal(t, filepath.Join("./backups", ".rbu.lock"), cfg.Global.LockFile)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("RBU_TEST_DB_PASSWORD", "s3cret")
	t.Setenv("RBU_SERVER_LISTEN", "0.0.0.0:9000")
	path := writeFile(t, "rbu.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "zstd", cfg.Backup.Compression)
	assert.Equal(t, 30*time.Second, cfg.Backup.PairTolerance)
	assert.Equal(t, 15*time.Minute, cfg.Operations.Retention)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
}

func TestLoadEncrypted(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(raw)

	plain := writeFile(t, "rbu.yaml", sampleYAML)
	encrypted := filepath.Join(t.TempDir(), "rbu.yaml.enc")
	require.NoError(t, EncryptConfigFile(plain, encrypted, key))

	t.Setenv("RBU_CONFIG_KEY", key)
	cfg, err := Load(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "/srv/registry/storage", cfg.Backup.FilesRoot)

	t.Setenv("RBU_CONFIG_KEY", "")
	_, err = Load(encrypted)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.Backup.Archiver = "tar"
	cfg.Backup.Compression = "lz4"
	cfg.Operations.Store = "etcd"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup.directory is required")
	assert.Contains(t, err.Error(), "unsupported backup.archiver")
	assert.Contains(t, err.Error(), "unsupported backup.compression")
	assert.Contains(t, err.Error(), "unsupported operations.store")
}

func TestValidateBackupDirOutsideFilesRoot(t *testing.T) {
	base := t.TempDir()
	for _, tc := range []struct {
		dir, root string
		ok        bool
	}{
		{dir: filepath.Join(base, "storage", "backups"), root: filepath.Join(base, "storage")},
		{dir: filepath.Join(base, "storage"), root: filepath.Join(base, "storage")},
		{dir: filepath.Join(base, "storage-backups"), root: filepath.Join(base, "storage"), ok: true},
		{dir: filepath.Join(base, "backups"), root: filepath.Join(base, "storage"), ok: true},
	} {
		cfg := &Config{}
		cfg.Backup.Directory = tc.dir
		cfg.Backup.FilesRoot = tc.root
		cfg.Backup.Archiver = "native"
		cfg.Operations.Store = "memory"
		err := cfg.Validate()
		if tc.ok {
			assert.NoError(t, err, tc.dir)
		} else {
			require.Error(t, err, tc.dir)
			assert.Contains(t, err.Error(), "must not be inside backup.files_root")
		}
	}
}

func TestEncryptConfigFileGuards(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	plain := writeFile(t, "rbu.yaml", sampleYAML)

	assert.Error(t, EncryptConfigFile(plain, plain, key))
	assert.Error(t, EncryptConfigFile(plain, filepath.Join(t.TempDir(), "rbu.yaml.bak"), key))
	assert.Error(t, EncryptConfigFile(plain, filepath.Join(t.TempDir(), "rbu.yaml.enc"), "short"))
}
