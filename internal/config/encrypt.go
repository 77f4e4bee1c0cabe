package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rowjay/registry-backup/internal/cryptoutil"
)

// EncryptConfigFile seals inputPath into outputPath. The output is written
// with owner-only permissions and never replaces the input.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	if sameFile(inputPath, outputPath) {
		return errors.New("encrypted config must not overwrite its plaintext source")
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	sealed, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return fmt.Errorf("encrypt config: %w", err)
	}
	if !isEncryptedPath(outputPath) {
		// Load only decrypts files it recognises by suffix.
		return fmt.Errorf("encrypted config %s must end in .enc or .encrypted", outputPath)
	}
	if err := os.WriteFile(outputPath, sealed, 0o600); err != nil {
		return fmt.Errorf("write encrypted config: %w", err)
	}
	return nil
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
