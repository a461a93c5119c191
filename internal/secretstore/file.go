package secretstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// File layout: magic | salt | nonce | sealed JSON.
var fileMagic = []byte("LGC1")

const (
	saltSize      = 16
	argonTime     = 1
	argonMemoryKB = 64 * 1024
	argonThreads  = 4
)

// FileStore keeps credentials in a passphrase-encrypted file. Each write uses
// a fresh salt and nonce.
type FileStore struct {
	path       string
	passphrase []byte
	handle     sync.Mutex
}

// NewFileStore constructs a FileStore at path.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("secretstore: file path is required")
	}
	if passphrase == "" {
		return nil, errors.New("secretstore: passphrase is required for the file backend")
	}
	return &FileStore{path: path, passphrase: []byte(passphrase)}, nil
}

// Get decrypts the credentials file. A missing file yields ErrNoCredentials.
func (s *FileStore) Get(ctx context.Context) (Credentials, error) {
	s.handle.Lock()
	defer s.handle.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path, err)
	}

	plaintext, err := s.open(data)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode credentials: %v", ErrUnavailable, err)
	}
	return creds, nil
}

// Set encrypts creds and atomically replaces the credentials file.
func (s *FileStore) Set(ctx context.Context, creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("secretstore: encode credentials: %w", err)
	}
	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	s.handle.Lock()
	defer s.handle.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrUnavailable, err)
	}
	if err := renameio.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, s.path, err)
	}
	return nil
}

// Clear removes the credentials file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.handle.Lock()
	defer s.handle.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrUnavailable, s.path, err)
	}
	return nil
}

// Name returns "file".
func (s *FileStore) Name() string { return "file" }

func (s *FileStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemoryKB, argonThreads, chacha20poly1305.KeySize)
}

func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("secretstore: generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("secretstore: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretstore: generate nonce: %w", err)
	}

	out := make([]byte, 0, len(fileMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, fileMagic), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	header := len(fileMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(data) < header || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("%w: %s is not a credentials file", ErrUnavailable, s.path)
	}
	salt := data[len(fileMagic) : len(fileMagic)+saltSize]
	nonce := data[len(fileMagic)+saltSize : header]

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("secretstore: init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, data[header:], fileMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupt credentials file", ErrUnavailable)
	}
	return plaintext, nil
}
