package secretstore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// Backend names accepted by Select.
const (
	BackendAuto     = "auto"
	BackendKeychain = "keychain"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Options configures Select.
type Options struct {
	Backend    string
	Service    string
	FilePath   string
	Passphrase string
	Logger     *slog.Logger
	// probe overrides the keychain probe in tests.
	probe func(ctx context.Context) error
}

// Select builds the configured Store. With BackendAuto the OS keychain is
// preferred, then the encrypted file when a passphrase is set. Without either
// credentials are kept in memory and a warning is logged.
func Select(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendKeychain:
		return NewKeychainStore(opts.Service), nil
	case BackendFile:
		return NewFileStore(opts.FilePath, opts.Passphrase)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendAuto, "":
	default:
		return nil, fmt.Errorf("secretstore: unknown backend %q", opts.Backend)
	}

	keychain := NewKeychainStore(opts.Service)
	probe := opts.probe
	if probe == nil {
		probe = keychain.Probe
	}
	var probeErr error
	if keychainSupported(runtime.GOOS) {
		if probeErr = probe(ctx); probeErr == nil {
			return keychain, nil
		}
	} else {
		probeErr = fmt.Errorf("%w: no keychain on %s", ErrUnavailable, runtime.GOOS)
	}

	if opts.Passphrase != "" {
		logger.InfoContext(ctx, "keychain unavailable, using encrypted credentials file", "error", probeErr, "path", opts.FilePath)
		return NewFileStore(opts.FilePath, opts.Passphrase)
	}
	logger.WarnContext(ctx, "keychain unavailable and no passphrase set; credentials will not survive a restart", "error", probeErr)
	return NewMemoryStore(), nil
}

func keychainSupported(goos string) bool {
	switch goos {
	case "darwin", "windows", "linux":
		return true
	}
	return false
}
