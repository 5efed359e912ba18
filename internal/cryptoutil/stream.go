package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/minio/sio"

	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
)

const (
	configMagic = "ZBU1"
	configVer   = uint16(1)
)

// EncryptWriter returns a streaming encrypting writer using DARE (sio).
func EncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	return sio.EncryptWriter(w, sio.Config{Key: key})
}

// DecryptReader returns a streaming decrypting reader using DARE (sio).
func DecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.DecryptReader(r, sio.Config{Key: key})
}

// EncryptStage encrypts a backup stream between compression and upload.
func EncryptStage(key []byte) pipeline.Stage {
	return pipeline.WriterStage("encrypt", func(w io.Writer) (io.WriteCloser, error) {
		return EncryptWriter(w, key)
	})
}

// DecryptStage reverses EncryptStage during restore.
func DecryptStage(key []byte) pipeline.Stage {
	return pipeline.ReaderStage("decrypt", func(r io.Reader) (io.ReadCloser, error) {
		dec, err := DecryptReader(r, key)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(dec), nil
	})
}

// EncryptConfig encrypts a config payload with a small header.
func EncryptConfig(plain []byte, key []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.WriteString(configMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, configVer); err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	if _, err := buf.Write(nonce); err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(buf.Bytes(), nonce, plain, []byte(configMagic)), nil
}

// DecryptConfig decrypts a payload produced by EncryptConfig.
func DecryptConfig(ciphertext []byte, key []byte) ([]byte, error) {
	if len(ciphertext) < 4+2+12 {
		return nil, fmt.Errorf("config cipher too short")
	}
	if string(ciphertext[:4]) != configMagic {
		return nil, fmt.Errorf("invalid config header")
	}
	if ver := binary.BigEndian.Uint16(ciphertext[4:6]); ver != configVer {
		return nil, fmt.Errorf("unsupported config version %d", ver)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, ciphertext[6:18], ciphertext[18:], []byte(configMagic))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
