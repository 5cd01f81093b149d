package state

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Encrypted document header
const encryptedHeader = "# RECONCILER_ENCRYPTED\n"

// Encrypt seals content with AES-256-GCM. A nil key returns content as is.
func Encrypt(key, content []byte) ([]byte, error) {
	if key == nil {
		return content, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	return []byte(encryptedHeader + encoded + "\n"), nil
}

// Decrypt opens content sealed by Encrypt. Plain content is returned as is.
func Decrypt(key, content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	if key == nil {
		return nil, fmt.Errorf("document is encrypted but no encryption key is configured")
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), encryptedHeader))
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted document: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt document (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted checks if content carries the encrypted header.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// normalizeKey pads or truncates to 32 bytes for AES-256.
func normalizeKey(key []byte) []byte {
	out := make([]byte, 32)
	copy(out, key)
	return out
}

// EncryptedStore encrypts every document at rest except the lock sentinel.
type EncryptedStore struct {
	inner Store
	key   []byte
}

func NewEncryptedStore(inner Store, key []byte) *EncryptedStore {
	return &EncryptedStore{inner: inner, key: key}
}

func (s *EncryptedStore) Get(name string) Document {
	doc := s.inner.Get(name)
	if name == LockDocument {
		return doc
	}
	return &encryptedDocument{Document: doc, key: s.key}
}

func (s *EncryptedStore) Commit(ctx context.Context, message string) (bool, error) {
	return s.inner.Commit(ctx, message)
}

func (s *EncryptedStore) Push(ctx context.Context) error {
	return s.inner.Push(ctx)
}

// Lock forwards to the wrapped store's native lock when it has one.
func (s *EncryptedStore) Lock(ctx context.Context, owner string) error {
	if l, ok := s.inner.(Locker); ok {
		return l.Lock(ctx, owner)
	}
	_, err := AcquireLock(ctx, s.inner, owner)
	return err
}

func (s *EncryptedStore) Unlock(ctx context.Context) error {
	return ForceUnlock(ctx, s.inner)
}

type encryptedDocument struct {
	Document
	key []byte
}

func (d *encryptedDocument) Data(ctx context.Context) ([]byte, error) {
	raw, err := d.Document.Data(ctx)
	if err != nil || raw == nil {
		return raw, err
	}
	return Decrypt(d.key, raw)
}

func (d *encryptedDocument) SetData(ctx context.Context, data []byte) error {
	sealed, err := Encrypt(d.key, data)
	if err != nil {
		return err
	}
	return d.Document.SetData(ctx, sealed)
}
