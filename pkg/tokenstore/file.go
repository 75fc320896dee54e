package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fileData struct {
	Tokens          map[uuid.UUID]tokenRecord `json:"tokens"`
	ClientIDs       map[uuid.UUID]string      `json:"clientIds"`
	ClientSecrets   map[uuid.UUID]string      `json:"clientSecrets"`
	TwoFactorTokens map[string]string         `json:"twoFactorTokens"`
}

// FileStore persists tokens to disk. The vault-timeout policy governs each
// write: the logOut action keeps the account's tokens in memory only, so
// nothing survives the process, and a positive duration expires them.
type FileStore struct {
	path     string
	settings TimeoutSettings
	mu       sync.Mutex
	data     fileData
	memOnly  map[uuid.UUID]tokenRecord
	now      func() time.Time
}

func NewFileStore(dataDir string, settings TimeoutSettings) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &FileStore{
		path:     filepath.Join(dataDir, "tokens.json"),
		settings: settings,
		data: fileData{
			Tokens:          make(map[uuid.UUID]tokenRecord),
			ClientIDs:       make(map[uuid.UUID]string),
			ClientSecrets:   make(map[uuid.UUID]string),
			TwoFactorTokens: make(map[string]string),
		},
		memOnly: make(map[uuid.UUID]tokenRecord),
		now:     time.Now,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load token data: %w", err)
	}
	return s, nil
}

func (s *FileStore) SetTokens(ctx context.Context, userID uuid.UUID, tokens Tokens) error {
	action, duration, err := s.settings.VaultTimeout(ctx, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := newTokenRecord(tokens, duration, s.now())
	if action == ActionLogOut {
		s.memOnly[userID] = rec
		delete(s.data.Tokens, userID)
		return s.save()
	}
	delete(s.memOnly, userID)
	s.data.Tokens[userID] = rec
	return s.save()
}

func (s *FileStore) GetTokens(_ context.Context, userID uuid.UUID) (Tokens, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.memOnly[userID]; ok {
		if rec.expired(s.now()) {
			delete(s.memOnly, userID)
			return Tokens{}, false, nil
		}
		return rec.Tokens, true, nil
	}

	rec, ok := s.data.Tokens[userID]
	if !ok {
		return Tokens{}, false, nil
	}
	if rec.expired(s.now()) {
		delete(s.data.Tokens, userID)
		return Tokens{}, false, s.save()
	}
	return rec.Tokens, true, nil
}

func (s *FileStore) ClearTokens(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memOnly, userID)
	delete(s.data.Tokens, userID)
	delete(s.data.ClientIDs, userID)
	delete(s.data.ClientSecrets, userID)
	return s.save()
}

func (s *FileStore) SetClientCredentials(_ context.Context, userID uuid.UUID, clientID, clientSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ClientIDs[userID] = clientID
	s.data.ClientSecrets[userID] = clientSecret
	return s.save()
}

func (s *FileStore) GetClientCredentials(_ context.Context, userID uuid.UUID) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.data.ClientIDs[userID]
	if !ok {
		return "", "", false, nil
	}
	return id, s.data.ClientSecrets[userID], true, nil
}

func (s *FileStore) SetTwoFactorToken(_ context.Context, email, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.TwoFactorTokens[normalizeEmail(email)] = token
	return s.save()
}

func (s *FileStore) GetTwoFactorToken(_ context.Context, email string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.TwoFactorTokens[normalizeEmail(email)]
	return t, ok, nil
}

func (s *FileStore) ClearTwoFactorToken(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.TwoFactorTokens, normalizeEmail(email))
	return s.save()
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &s.data)
}

func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
