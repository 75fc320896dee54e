package loginflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

// ErrSessionTimedOut means a challenge continuation was attempted with no
// live login session; the user must start over.
var ErrSessionTimedOut = errors.New("login session timed out")

// Service orchestrates login attempts: it selects the strategy for a
// credential variant, keeps the in-flight strategy resumable across a
// challenge round trip, and bounds how long that challenge may stay open.
type Service struct {
	mu     sync.Mutex
	deps   Dependencies
	active loginStrategy
	timer  *time.Timer
}

func NewService(deps Dependencies) *Service {
	deps.normalize()
	return &Service{deps: deps}
}

// LogIn starts a fresh login attempt. Any previous session is discarded
// first; the engine holds at most one in-flight strategy.
func (s *Service) LogIn(ctx context.Context, creds Credentials) (*AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearSessionLocked(ctx)

	strat, err := s.newStrategy(ctx, creds)
	if err != nil {
		return nil, err
	}
	res, err := strat.LogIn(ctx)
	return s.finishLocked(ctx, strat, res, err)
}

// LogInTwoFactor replays the cached exchange with a two-factor answer.
func (s *Service) LogInTwoFactor(ctx context.Context, input TwoFactorInput) (*AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strat, err := s.activeStrategyLocked(ctx)
	if err != nil {
		return nil, err
	}
	res, err := strat.LogInTwoFactor(ctx, input)
	return s.finishLocked(ctx, strat, res, err)
}

// LogInNewDeviceVerification replays the cached exchange with the emailed
// new-device one-time code.
func (s *Service) LogInNewDeviceVerification(ctx context.Context, otp string) (*AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strat, err := s.activeStrategyLocked(ctx)
	if err != nil {
		return nil, err
	}
	res, err := strat.LogInNewDeviceVerification(ctx, otp)
	return s.finishLocked(ctx, strat, res, err)
}

func (s *Service) newStrategy(ctx context.Context, creds Credentials) (loginStrategy, error) {
	switch c := creds.(type) {
	case PasswordCredentials:
		return newPasswordStrategy(ctx, s.deps, c)
	case SsoCredentials:
		return newSsoStrategy(ctx, s.deps, c)
	case UserAPICredentials:
		return newUserAPIStrategy(ctx, s.deps, c)
	case AuthRequestCredentials:
		return newAuthRequestStrategy(ctx, s.deps, c)
	case WebAuthnCredentials:
		return newWebAuthnStrategy(ctx, s.deps, c)
	}
	return nil, fmt.Errorf("unsupported credential type %T", creds)
}

// finishLocked settles session state after an exchange: a pending challenge
// keeps the strategy cached under a fresh expiration, a terminal outcome
// discards it, and a non-API error clears defensively so a corrupted
// challenge can never be resumed. API errors leave the session alive so the
// user can retry after a transient server failure.
func (s *Service) finishLocked(ctx context.Context, strat loginStrategy, res *AuthResult, err error) (*AuthResult, error) {
	if err != nil {
		var apiErr *identity.ErrorResponse
		if !errors.As(err, &apiErr) {
			s.clearSessionLocked(ctx)
		}
		return res, err
	}

	if res != nil && res.pendingChallenge() {
		if err := s.cacheSessionLocked(ctx, strat); err != nil {
			return nil, err
		}
		return res, nil
	}

	s.clearSessionLocked(ctx)
	return res, nil
}

func (s *Service) cacheSessionLocked(ctx context.Context, strat loginStrategy) error {
	data, err := strat.ExportCache()
	if err != nil {
		return err
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}

	expiration := s.deps.Now().Add(s.deps.SessionTTL)
	if err := s.deps.Sessions.Set(ctx, sessionstore.KeyCacheBlob, string(blob)); err != nil {
		return err
	}
	if err := s.deps.Sessions.Set(ctx, sessionstore.KeyCurrentMethod, strat.Method().String()); err != nil {
		return err
	}
	if err := s.deps.Sessions.Set(ctx, sessionstore.KeyCacheExpiration, expiration.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	s.active = strat
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.deps.SessionTTL, s.expireSession)
	return nil
}

func (s *Service) expireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.deps.Logger.Info("login session expired", "method", s.active.Method())
	}
	s.clearSessionLocked(context.Background())
}

// activeStrategyLocked returns the resumable in-flight strategy. The
// persisted expiration is checked before the in-memory handle so a stale
// cache is rejected even if the process restarted and the timer was lost.
func (s *Service) activeStrategyLocked(ctx context.Context) (loginStrategy, error) {
	raw, ok, err := s.deps.Sessions.Get(ctx, sessionstore.KeyCacheExpiration)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.clearSessionLocked(ctx)
		return nil, ErrSessionTimedOut
	}
	expiration, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !s.deps.Now().Before(expiration) {
		s.clearSessionLocked(ctx)
		return nil, ErrSessionTimedOut
	}

	if s.active != nil {
		return s.active, nil
	}

	// The process restarted mid-challenge; rebuild from the persisted blob.
	blob, ok, err := s.deps.Sessions.Get(ctx, sessionstore.KeyCacheBlob)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionTimedOut
	}
	var data CacheData
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		s.clearSessionLocked(ctx)
		return nil, fmt.Errorf("corrupt login cache: %w", err)
	}
	strat, err := restoreStrategy(s.deps, &data)
	if err != nil {
		s.clearSessionLocked(ctx)
		return nil, err
	}
	s.active = strat
	return strat, nil
}

func (s *Service) clearSessionLocked(ctx context.Context) {
	s.active = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for _, key := range []string{
		sessionstore.KeyCacheBlob,
		sessionstore.KeyCurrentMethod,
		sessionstore.KeyCacheExpiration,
	} {
		if err := s.deps.Sessions.Delete(ctx, key); err != nil {
			s.deps.Logger.Warn("failed to clear session key", "key", key, "error", err)
		}
	}
}

// CurrentMethod reports which strategy is in progress, if any. The derived
// views below are pure projections over the active strategy.
func (s *Service) CurrentMethod() (AuthMethod, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0, false
	}
	return s.active.Method(), true
}

// Email returns the email bound to the login in progress.
func (s *Service) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.Email()
}

// MaskedEmail returns the masked destination for email two-factor, falling
// back to masking the login email.
func (s *Service) MaskedEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	if masked := s.deps.TwoFactor.MaskedEmail(); masked != "" {
		return masked
	}
	if email := s.active.Email(); email != "" {
		return twofactor.MaskEmail(email)
	}
	return ""
}

// AccessCode returns the in-flight access code when an auth-request login
// is in progress.
func (s *Service) AccessCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strat, ok := s.active.(*authRequestStrategy); ok {
		return strat.AccessCode()
	}
	return ""
}

// SsoEmail2faSessionToken returns the session token issued with an SSO
// email two-factor challenge, when an SSO login is in progress.
func (s *Service) SsoEmail2faSessionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strat, ok := s.active.(*ssoStrategy); ok {
		return strat.SsoEmail2faSessionToken()
	}
	return ""
}

// MakePreloginKey derives the master key for an email using the server's
// published KDF parameters, with a default fallback when the account is
// unknown.
func (s *Service) MakePreloginKey(ctx context.Context, password, email string) (*keys.MasterKey, error) {
	return makePreloginKey(ctx, s.deps, password, email)
}
