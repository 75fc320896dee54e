package tokenstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TimeoutAction is what happens to stored secrets when the vault timeout
// elapses.
type TimeoutAction string

const (
	ActionLock   TimeoutAction = "lock"
	ActionLogOut TimeoutAction = "logOut"
)

// TimeoutSettings supplies the vault-timeout policy tokens are scoped by.
type TimeoutSettings interface {
	VaultTimeout(ctx context.Context, userID uuid.UUID) (TimeoutAction, time.Duration, error)
}

// StaticTimeoutSettings returns the same policy for every account.
type StaticTimeoutSettings struct {
	Action   TimeoutAction
	Duration time.Duration
}

func (s StaticTimeoutSettings) VaultTimeout(context.Context, uuid.UUID) (TimeoutAction, time.Duration, error) {
	return s.Action, s.Duration, nil
}

// Tokens is the credential material stored for an authenticated account.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// tokenRecord pairs stored tokens with the vault-timeout deadline in force
// when they were written. A nil deadline never expires.
type tokenRecord struct {
	Tokens    Tokens     `json:"tokens"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (r tokenRecord) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func newTokenRecord(tokens Tokens, duration time.Duration, now time.Time) tokenRecord {
	rec := tokenRecord{Tokens: tokens}
	if duration > 0 {
		deadline := now.Add(duration)
		rec.ExpiresAt = &deadline
	}
	return rec
}

// Store persists tokens and related login secrets.
type Store interface {
	SetTokens(ctx context.Context, userID uuid.UUID, tokens Tokens) error
	GetTokens(ctx context.Context, userID uuid.UUID) (Tokens, bool, error)
	ClearTokens(ctx context.Context, userID uuid.UUID) error

	// API-key client credentials, stored for the UserApi method.
	SetClientCredentials(ctx context.Context, userID uuid.UUID, clientID, clientSecret string) error
	GetClientCredentials(ctx context.Context, userID uuid.UUID) (clientID, clientSecret string, ok bool, err error)

	// Remembered two-factor tokens, keyed by email.
	SetTwoFactorToken(ctx context.Context, email, token string) error
	GetTwoFactorToken(ctx context.Context, email string) (string, bool, error)
	ClearTwoFactorToken(ctx context.Context, email string) error
}
