package loginflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
)

// passwordStrategy authenticates with an email and master password: the
// master key is derived locally, its server hash authenticates the user,
// and its local hash plus the returned wrapped user key unlock the vault.
type passwordStrategy struct {
	*base

	masterPassword string
	masterKey      *keys.MasterKey
	localHash      string
	invitePolicy   *policy.MasterPasswordPolicyOptions
	// weakPasswordPending defers the weak-password reset reason across a
	// pending two-factor exchange; recording it earlier would tag an
	// unauthenticated user.
	weakPasswordPending bool
}

func newPasswordStrategy(ctx context.Context, deps Dependencies, creds PasswordCredentials) (*passwordStrategy, error) {
	s := &passwordStrategy{
		masterPassword: creds.MasterPassword,
		invitePolicy:   creds.PoliciesFromOrgInvite,
	}
	s.base = newBase(deps, MethodPassword, s)
	s.email = creds.Email

	mk, err := makePreloginKey(ctx, deps, creds.MasterPassword, creds.Email)
	if err != nil {
		return nil, err
	}
	serverHash, err := deps.Crypto.HashMasterKey(creds.MasterPassword, mk, keys.PurposeServerAuthorization)
	if err != nil {
		return nil, err
	}
	localHash, err := deps.Crypto.HashMasterKey(creds.MasterPassword, mk, keys.PurposeLocalAuthorization)
	if err != nil {
		return nil, err
	}
	s.masterKey = mk
	s.localHash = localHash

	device, err := s.buildDeviceRequest(ctx)
	if err != nil {
		return nil, err
	}
	tf := s.buildTwoFactor(ctx, creds.TwoFactor, creds.Email)
	s.request = identity.NewPasswordTokenRequest(creds.Email, serverHash, creds.CaptchaToken, tf, device)
	return s, nil
}

func (s *passwordStrategy) LogIn(ctx context.Context) (*AuthResult, error) {
	res, result, err := s.startLogIn(ctx)
	if err != nil {
		return res, err
	}
	return s.evaluateMasterPassword(ctx, res, result)
}

func (s *passwordStrategy) LogInTwoFactor(ctx context.Context, input TwoFactorInput) (*AuthResult, error) {
	res, err := s.base.LogInTwoFactor(ctx, input)
	if err != nil || res == nil {
		return res, err
	}
	return s.applyDeferredReset(ctx, res)
}

func (s *passwordStrategy) LogInNewDeviceVerification(ctx context.Context, otp string) (*AuthResult, error) {
	res, err := s.base.LogInNewDeviceVerification(ctx, otp)
	if err != nil || res == nil {
		return res, err
	}
	return s.applyDeferredReset(ctx, res)
}

// evaluateMasterPassword checks the entered password against the combined
// login-time policy after the first exchange.
func (s *passwordStrategy) evaluateMasterPassword(ctx context.Context, res *AuthResult, result *identity.TokenResult) (*AuthResult, error) {
	var serverPolicy *policy.MasterPasswordPolicyOptions
	switch {
	case result.TwoFactor != nil:
		serverPolicy = result.TwoFactor.MasterPasswordPolicy
	case result.Token != nil:
		serverPolicy = result.Token.MasterPasswordPolicy
	}

	combined := policy.Combine(s.invitePolicy, serverPolicy)
	if combined == nil || !combined.EnforceOnLogin {
		return res, nil
	}

	score := s.deps.Scorer.Score(s.masterPassword, s.email)
	if policy.EvaluatePassword(score, s.masterPassword, combined) {
		return res, nil
	}

	s.deps.Logger.Info("master password fails enforced policy", "email", s.email, "score", score)
	if res.RequiresTwoFactor {
		s.weakPasswordPending = true
		return res, nil
	}
	return s.recordWeakPassword(ctx, res)
}

// applyDeferredReset records a weak-password reason that was deferred while
// a two-factor exchange was pending.
func (s *passwordStrategy) applyDeferredReset(ctx context.Context, res *AuthResult) (*AuthResult, error) {
	if !s.weakPasswordPending || res.UserID == uuid.Nil || res.pendingChallenge() {
		return res, nil
	}
	s.weakPasswordPending = false
	return s.recordWeakPassword(ctx, res)
}

func (s *passwordStrategy) recordWeakPassword(ctx context.Context, res *AuthResult) (*AuthResult, error) {
	if res.UserID == uuid.Nil {
		return res, nil
	}
	if err := s.deps.Registry.SetForceResetReason(ctx, res.UserID, accounts.ResetWeakMasterPassword); err != nil {
		return res, err
	}
	// Re-read so an admin-forced reason set during the exchange wins.
	reason, err := s.deps.Registry.ForceResetReason(ctx, res.UserID)
	if err != nil {
		return res, err
	}
	res.ForcePasswordReset = reason
	return res, nil
}

func (s *passwordStrategy) setMasterKey(_ context.Context, _ *identity.TokenResponse, userID uuid.UUID) error {
	s.deps.Keyring.SetMasterKey(userID, s.masterKey)
	s.deps.Keyring.SetMasterKeyHash(userID, s.localHash)
	return nil
}

func (s *passwordStrategy) setUserKey(_ context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	wrapped, err := s.storeWrappedUserKey(resp, userID)
	if err != nil {
		return err
	}
	if wrapped == nil {
		return nil
	}
	mk := s.deps.Keyring.MasterKey(userID)
	uk, err := s.deps.Crypto.DecryptUserKeyWithMasterKey(mk, wrapped)
	if err != nil {
		return err
	}
	s.deps.Keyring.SetUserKey(userID, uk)
	return nil
}

func (s *passwordStrategy) setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	return s.setPrivateKeyFromResponse(ctx, resp, userID)
}

func (s *passwordStrategy) encryptionKeyMigrationRequired(resp *identity.TokenResponse) bool {
	return resp.Key == ""
}
