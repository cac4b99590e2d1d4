// Package creds resolves and persists login credentials. Lookup walks a
// fixed chain: in-memory cache, the encrypted secret file, plaintext
// values from configuration, and finally an interactive prompt. Secrets
// persisted to disk are sealed with a machine-bound key so the file is
// useless when copied to another host.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"go.uber.org/zap"
)

// ErrCredentialUnavailable reports that every source in the chain came
// up empty.
var ErrCredentialUnavailable = errors.New("credentials unavailable")

// Credentials is one username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Prompter asks the operator for credentials when no stored source has
// them. Implementations must honor ctx cancellation.
type Prompter interface {
	Prompt(ctx context.Context, label string) (Credentials, error)
}

// Options configures a Store.
type Options struct {
	// SecretPath overrides the default XDG data path of the encrypted
	// secret file.
	SecretPath string
	// Seed holds plaintext credentials from configuration, keyed by
	// label. Entries here are consulted after the secret file.
	Seed map[string]Credentials
	// Prompter is the interactive fallback. Nil disables prompting.
	Prompter Prompter
	// MachineID overrides the host identifier the sealing key is bound
	// to. Empty means the hostname.
	MachineID string
}

// Store is safe for concurrent use.
type Store struct {
	path      string
	seed      map[string]Credentials
	prompter  Prompter
	machineID string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]Credentials
}

// NewStore builds a Store. The secret file is created lazily on first
// Save.
func NewStore(opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := opts.SecretPath
	if path == "" {
		resolved, err := xdg.DataFile(filepath.Join("scrapecore", "credentials.enc"))
		if err != nil {
			return nil, fmt.Errorf("resolve secret file path: %w", err)
		}
		path = resolved
	}
	machineID := opts.MachineID
	if machineID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine machine identifier: %w", err)
		}
		machineID = hostname
	}
	return &Store{
		path:      path,
		seed:      opts.Seed,
		prompter:  opts.Prompter,
		machineID: machineID,
		logger:    logger,
		cache:     make(map[string]Credentials),
	}, nil
}

// Resolve walks the source chain for the given label. Credentials found
// in a later source are cached in memory; prompted credentials are also
// persisted to the secret file so the prompt happens once per machine.
func (s *Store) Resolve(ctx context.Context, label string) (Credentials, error) {
	s.mu.Lock()
	if c, ok := s.cache[label]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if c, ok, err := s.fromSecretFile(label); err != nil {
		return Credentials{}, err
	} else if ok {
		s.remember(label, c)
		return c, nil
	}

	if c, ok := s.seed[label]; ok && c.Username != "" {
		s.logger.Debug("credentials resolved from configuration", zap.String("label", label))
		s.remember(label, c)
		return c, nil
	}

	if s.prompter != nil {
		c, err := s.prompter.Prompt(ctx, label)
		if err != nil {
			return Credentials{}, fmt.Errorf("prompt for %q: %w", label, err)
		}
		if c.Username != "" {
			s.remember(label, c)
			if err := s.Save(label, c); err != nil {
				s.logger.Warn("could not persist prompted credentials", zap.Error(err))
			}
			return c, nil
		}
	}

	return Credentials{}, fmt.Errorf("%w: %s", ErrCredentialUnavailable, label)
}

// Peek is Resolve without the interactive fallback.
func (s *Store) Peek(label string) (Credentials, error) {
	s.mu.Lock()
	if c, ok := s.cache[label]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if c, ok, err := s.fromSecretFile(label); err != nil {
		return Credentials{}, err
	} else if ok {
		return c, nil
	}
	if c, ok := s.seed[label]; ok && c.Username != "" {
		return c, nil
	}
	return Credentials{}, fmt.Errorf("%w: %s", ErrCredentialUnavailable, label)
}

// Save seals the credentials for label into the secret file.
func (s *Store) Save(label string, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked()
	if err != nil {
		return err
	}
	entries[label] = c
	if err := s.storeLocked(entries); err != nil {
		return err
	}
	s.cache[label] = c
	s.logger.Info("credentials saved", zap.String("label", label), zap.String("path", s.path))
	return nil
}

// Forget removes the label from the cache and the secret file.
func (s *Store) Forget(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, label)
	entries, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := entries[label]; !ok {
		return nil
	}
	delete(entries, label)
	return s.storeLocked(entries)
}

func (s *Store) remember(label string, c Credentials) {
	s.mu.Lock()
	s.cache[label] = c
	s.mu.Unlock()
}

func (s *Store) fromSecretFile(label string) (Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadLocked()
	if err != nil {
		return Credentials{}, false, err
	}
	c, ok := entries[label]
	return c, ok, nil
}

func (s *Store) loadLocked() (map[string]Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	if len(raw) == 0 {
		return map[string]Credentials{}, nil
	}
	plaintext, err := open(raw, s.machineID)
	if err != nil {
		return nil, fmt.Errorf("unseal secret file %s: %w", s.path, err)
	}
	entries := map[string]Credentials{}
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("decode secret file: %w", err)
	}
	return entries, nil
}

func (s *Store) storeLocked(entries map[string]Credentials) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	sealed, err := seal(plaintext, s.machineID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}
