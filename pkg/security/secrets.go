package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/anchorhq/anchor/pkg/types"
)

// SecretsManager encrypts and decrypts service secret values with
// AES-256-GCM under a single cluster-wide key.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a secrets manager with the given encryption
// key. The key must be 32 bytes for AES-256.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{encryptionKey: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM, returning the nonce
// prepended to the ciphertext.
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealSecret encrypts plaintext and returns a Secret row ready for
// persistence. The plaintext is never retained by the manager.
func (sm *SecretsManager) SealSecret(serviceID, key string, plaintext []byte) (*types.Secret, error) {
	encrypted, err := sm.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal secret %s: %w", key, err)
	}
	return &types.Secret{
		ServiceID:      serviceID,
		Key:            key,
		EncryptedValue: encrypted,
	}, nil
}

// OpenSecret decrypts a Secret's stored value. The result must not be
// persisted or logged; it is only for inclusion in a deploy work-item
// payload sent to the owning server.
func (sm *SecretsManager) OpenSecret(secret *types.Secret) ([]byte, error) {
	if secret == nil {
		return nil, fmt.Errorf("secret is nil")
	}
	return sm.Decrypt(secret.EncryptedValue)
}
