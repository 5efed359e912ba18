package cryptoutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of backup and config keys: AES-256 for configs, DARE for streams.
const KeySize = 32

// ParseKey decodes a key written as "base64:...", "hex:..." or bare base64/hex.
func ParseKey(key string) ([]byte, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("encryption key is empty")
	}

	var data []byte
	var err error
	if enc, body, ok := strings.Cut(trimmed, ":"); ok && (enc == "base64" || enc == "hex") {
		data, err = decode(enc, body)
	} else if data, err = decode("base64", trimmed); err != nil {
		data, err = decode("hex", trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), KeySize)
	}
	return data, nil
}

// GenerateKey returns a fresh random key in the "base64:" form ParseKey accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return "base64:" + base64.StdEncoding.EncodeToString(key), nil
}

func decode(encoding, s string) ([]byte, error) {
	if encoding == "hex" {
		return hex.DecodeString(s)
	}
	return base64.StdEncoding.DecodeString(s)
}
