// Package crypto provides key management, EIP-712 order signing and L2 HMAC
// authentication for the CLOB API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the PBKDF2-HMAC-SHA256 work factor for new files.
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	keyFileVersion    = 1
)

var (
	// ErrNoKeySource is returned by LoadKey when neither a raw key nor an
	// encrypted key file is configured.
	ErrNoKeySource = errors.New("crypto: no private key source configured")

	// ErrWrongPassword is returned when a key file fails authentication.
	ErrWrongPassword = errors.New("crypto: decryption failed (wrong password?)")
)

// keyFile is the on-disk format of an encrypted wallet key. Binary fields
// are standard base64.
type keyFile struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where the trading wallet key comes from. It is filled from
// the [wallet] config section.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x. It wins over the file.
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptKey seals a 32-byte hex private key under password with
// PBKDF2-HMAC-SHA256 and AES-256-GCM, returning the JSON file body.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	keyBytes, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	aead, err := newAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Iterations: defaultIterations,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(aead.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// DecryptKey opens a file produced by EncryptKey and returns the private key
// as hex without the 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if f.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", f.Version)
	}
	if f.Iterations == 0 {
		f.Iterations = defaultIterations
	}

	var salt, nonce, ciphertext []byte
	for _, field := range []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"salt", f.Salt, &salt},
		{"nonce", f.Nonce, &nonce},
		{"ciphertext", f.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(field.src)
		if err != nil {
			return "", fmt.Errorf("crypto: decoding %s: %w", field.name, err)
		}
		*field.dst = b
	}

	aead, err := newAEAD(password, salt, f.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce must be %d bytes", aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	return hex.EncodeToString(plaintext), nil
}

// LoadKey resolves the wallet key: the raw key when set, else the decrypted
// key file, else ErrNoKeySource.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not valid hex: %w", err)
		}
		return k, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}
	return "", ErrNoKeySource
}

func parseKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

func newAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
