package tokenstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type clientCredentials struct {
	clientID     string
	clientSecret string
}

// MemoryStore keeps tokens in process memory only; it already satisfies the
// logOut action's no-persistence requirement, so only the vault-timeout
// duration applies here.
type MemoryStore struct {
	mu       sync.Mutex
	settings TimeoutSettings
	tokens   map[uuid.UUID]tokenRecord
	creds    map[uuid.UUID]clientCredentials
	twoFa    map[string]string
	now      func() time.Time
}

func NewMemoryStore(settings TimeoutSettings) *MemoryStore {
	return &MemoryStore{
		settings: settings,
		tokens:   make(map[uuid.UUID]tokenRecord),
		creds:    make(map[uuid.UUID]clientCredentials),
		twoFa:    make(map[string]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) SetTokens(ctx context.Context, userID uuid.UUID, tokens Tokens) error {
	_, duration, err := s.settings.VaultTimeout(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = newTokenRecord(tokens, duration, s.now())
	return nil
}

func (s *MemoryStore) GetTokens(_ context.Context, userID uuid.UUID) (Tokens, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[userID]
	if !ok {
		return Tokens{}, false, nil
	}
	if rec.expired(s.now()) {
		delete(s.tokens, userID)
		return Tokens{}, false, nil
	}
	return rec.Tokens, true, nil
}

func (s *MemoryStore) ClearTokens(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	delete(s.creds, userID)
	return nil
}

func (s *MemoryStore) SetClientCredentials(_ context.Context, userID uuid.UUID, clientID, clientSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[userID] = clientCredentials{clientID: clientID, clientSecret: clientSecret}
	return nil
}

func (s *MemoryStore) GetClientCredentials(_ context.Context, userID uuid.UUID) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	return c.clientID, c.clientSecret, ok, nil
}

func (s *MemoryStore) SetTwoFactorToken(_ context.Context, email, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.twoFa[normalizeEmail(email)] = token
	return nil
}

func (s *MemoryStore) GetTwoFactorToken(_ context.Context, email string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twoFa[normalizeEmail(email)]
	return t, ok, nil
}

func (s *MemoryStore) ClearTwoFactorToken(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.twoFa, normalizeEmail(email))
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
