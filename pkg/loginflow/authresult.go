package loginflow

import (
	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

// AuthResult is the outward-facing outcome of a login attempt. Challenge
// branches (two-factor, CAPTCHA, device verification) are expected protocol
// states, not errors; exactly one of success or a challenge flag is the
// active outcome.
type AuthResult struct {
	// UserID is set only on a successful token exchange.
	UserID uuid.UUID

	RequiresTwoFactor              bool
	RequiresCaptcha                bool
	RequiresDeviceVerification     bool
	RequiresEncryptionKeyMigration bool

	ForcePasswordReset  accounts.ForceResetReason
	ResetMasterPassword bool

	// TwoFactorProviders is the provider set offered by the server when a
	// second factor is required.
	TwoFactorProviders map[twofactor.ProviderType]map[string]any
	// MaskedEmail is the destination address for email-based two-factor.
	MaskedEmail string
	// Email is the account email the server echoed on the challenge.
	Email                   string
	SsoEmail2faSessionToken string
	CaptchaSiteKey          string
}

// Succeeded reports whether the attempt produced an authenticated session.
func (r *AuthResult) Succeeded() bool {
	return r.UserID != uuid.Nil && !r.pendingChallenge() && !r.RequiresEncryptionKeyMigration
}

// pendingChallenge reports whether the server demanded another round trip.
func (r *AuthResult) pendingChallenge() bool {
	return r.RequiresTwoFactor || r.RequiresCaptcha || r.RequiresDeviceVerification
}
