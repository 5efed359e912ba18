package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/rowjay/zfs-backup-utility/internal/cryptoutil"
)

// EncryptConfigFile writes an encrypted copy of a config file so it can hold
// remote credentials at rest. outputPath must end in .enc and must not exist.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	if !isEncryptedPath(outputPath) {
		return fmt.Errorf("output %s must end in .enc so it is recognised as encrypted", outputPath)
	}
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("output %s already exists", outputPath)
	}
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return err
	}
	// Decrypt once before writing so a bad key never produces an unreadable file.
	check, err := cryptoutil.DecryptConfig(ciphertext, parsed)
	if err != nil || !bytes.Equal(check, plain) {
		return fmt.Errorf("encrypted config failed verification: %v", err)
	}
	return os.WriteFile(outputPath, ciphertext, 0o600)
}
