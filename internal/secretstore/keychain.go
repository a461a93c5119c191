package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// DefaultService is the keychain service name entries are stored under.
	DefaultService = "lab-instrument-gateway"
	keychainUser   = "credentials"
	probeUser      = "probe"
)

// KeychainStore stores credentials as a single JSON item in the OS keychain.
type KeychainStore struct {
	service string
	// handle serializes keychain access; some platforms prompt per call.
	handle sync.Mutex
}

// NewKeychainStore constructs a KeychainStore for service.
func NewKeychainStore(service string) *KeychainStore {
	if service == "" {
		service = DefaultService
	}
	return &KeychainStore{service: service}
}

// Probe checks that the keychain can be reached.
func (s *KeychainStore) Probe(ctx context.Context) error {
	s.handle.Lock()
	defer s.handle.Unlock()
	if _, err := keyring.Get(s.service, probeUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: keychain: %v", ErrUnavailable, err)
	}
	return nil
}

// Get reads the credentials from the OS keychain.
func (s *KeychainStore) Get(ctx context.Context) (Credentials, error) {
	s.handle.Lock()
	defer s.handle.Unlock()

	secret, err := keyring.Get(s.service, keychainUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: keychain read: %v", ErrUnavailable, err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: keychain item is corrupt: %v", ErrUnavailable, err)
	}
	return creds, nil
}

// Set writes creds to the OS keychain.
func (s *KeychainStore) Set(ctx context.Context, creds Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("secretstore: encode credentials: %w", err)
	}

	s.handle.Lock()
	defer s.handle.Unlock()
	if err := keyring.Set(s.service, keychainUser, string(payload)); err != nil {
		return fmt.Errorf("%w: keychain write: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear deletes the keychain item. A missing item is not an error.
func (s *KeychainStore) Clear(ctx context.Context) error {
	s.handle.Lock()
	defer s.handle.Unlock()
	if err := keyring.Delete(s.service, keychainUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: keychain delete: %v", ErrUnavailable, err)
	}
	return nil
}

// Name returns "keychain".
func (s *KeychainStore) Name() string { return "keychain" }
