// Package cryptoutil seals config files that carry database and chat credentials.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Encrypted config layout: magic | version (uint16 BE) | 12-byte nonce | AES-256-GCM ciphertext.
const (
	configMagic  = "RBU1"
	configVer    = uint16(1)
	nonceSize    = 12
	headerLength = len(configMagic) + 2 + nonceSize
)

// EncryptConfig seals a config payload.
func EncryptConfig(plain, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerLength, headerLength+len(plain)+aead.Overhead())
	copy(out, configMagic)
	binary.BigEndian.PutUint16(out[len(configMagic):], configVer)
	nonce := out[len(configMagic)+2 : headerLength]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plain, []byte(configMagic)), nil
}

// DecryptConfig opens a payload produced by EncryptConfig.
func DecryptConfig(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < headerLength {
		return nil, fmt.Errorf("config cipher too short")
	}
	if string(ciphertext[:len(configMagic)]) != configMagic {
		return nil, fmt.Errorf("invalid config header")
	}
	if ver := binary.BigEndian.Uint16(ciphertext[len(configMagic):]); ver != configVer {
		return nil, fmt.Errorf("unsupported config version %d", ver)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[len(configMagic)+2 : headerLength]
	return aead.Open(nil, nonce, ciphertext[headerLength:], []byte(configMagic))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

const keySize = 32

// ParseKey decodes an AES-256 key given as base64 or hex, optionally with a
// "base64:" or "hex:" prefix. Unprefixed input is tried as base64 first.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}

	decoders := []func(string) ([]byte, error){base64.StdEncoding.DecodeString, hex.DecodeString}
	switch {
	case strings.HasPrefix(key, "base64:"):
		key, decoders = strings.TrimPrefix(key, "base64:"), decoders[:1]
	case strings.HasPrefix(key, "hex:"):
		key, decoders = strings.TrimPrefix(key, "hex:"), decoders[1:]
	}

	var lastErr error
	for _, decode := range decoders {
		data, err := decode(key)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) != keySize {
			// 64 hex digits are also valid base64, so keep trying.
			lastErr = fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), keySize)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("decode key: %w", lastErr)
}
