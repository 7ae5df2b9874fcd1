package config

import (
	"fmt"
	"os"

	"github.com/rowjay/wxexp/internal/cryptoutil"
)

// EncryptConfigFile seals a plain config file so it can live next to exports
// that are synced to shared storage. Load recognises the .enc suffix.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	sealed, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return fmt.Errorf("encrypt config: %w", err)
	}
	return os.WriteFile(outputPath, sealed, 0o600)
}

// DecryptConfigFile reverses EncryptConfigFile.
func DecryptConfigFile(inputPath, outputPath, key string) error {
	sealed, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	plain, err := decryptConfig(sealed, key)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	return os.WriteFile(outputPath, plain, 0o600)
}
