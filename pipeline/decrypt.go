package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/wolfeidau/media-cache/credentials"
)

// decrypt opens AES-256-GCM ciphertext sealed with the key's IV as nonce
// and the tag appended.
func decrypt(key *credentials.Key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	if len(key.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrDecryptFailed, len(key.IV))
	}
	plaintext, err := gcm.Open(nil, key.IV, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext the way decrypt expects. Hosts use it to publish
// objects; tests use it to build fixtures.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), gcm.NonceSize())
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}
