package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Session tokens for the providers are secrets: they are stored in an
// encrypted file (scrypt key derivation, AES-256-GCM) with environment
// variables as fallback.
const (
	saltSize = 16
	scryptN  = 32768 // 2^15
	scryptR  = 8
	scryptP  = 1
	keySize  = 32 // AES-256
)

// Secrets holds decrypted provider session tokens keyed by provider id.
type Secrets struct {
	tokens map[string]string
}

// LoadSecrets decrypts the secrets file with the given password. A missing
// file yields an empty secret set, not an error: tokens may come from the
// environment instead.
func LoadSecrets(path, password string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Secrets{tokens: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	if len(data) < saltSize {
		return nil, fmt.Errorf("secrets file %s is truncated", path)
	}

	salt, ciphertext := data[:saltSize], data[saltSize:]
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets file %s: %w", path, err)
	}

	tokens := make(map[string]string)
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
	}
	return &Secrets{tokens: tokens}, nil
}

// SaveSecrets encrypts and writes the token map.
func SaveSecrets(path, password string, tokens map[string]string) error {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	if err := os.WriteFile(path, append(salt, ciphertext...), 0600); err != nil {
		return fmt.Errorf("failed to write secrets file %s: %w", path, err)
	}
	return nil
}

// Token returns the session token for a provider. Precedence: decrypted
// secrets file, then CONCLAVE_TOKEN_<PROVIDER_ID> from the environment.
func (s *Secrets) Token(providerID string) string {
	if token, ok := s.tokens[providerID]; ok && token != "" {
		return token
	}
	envKey := "CONCLAVE_TOKEN_" + strings.ToUpper(strings.ReplaceAll(providerID, "-", "_"))
	return os.Getenv(envKey)
}

// Set stores a token in memory; callers persist with SaveSecrets.
func (s *Secrets) Set(providerID, token string) {
	s.tokens[providerID] = token
}

// Tokens returns a copy of the in-memory token map.
func (s *Secrets) Tokens() map[string]string {
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
