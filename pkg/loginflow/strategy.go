package loginflow

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/authrequest"
	"github.com/keyhaven/keyhaven/pkg/devicetrust"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keyconnector"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
	"github.com/keyhaven/keyhaven/pkg/tokenstore"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

var (
	// ErrInvalidResponse means the identity endpoint returned a shape the
	// engine does not recognize: a collaborator contract breach, not a
	// recoverable state.
	ErrInvalidResponse = errors.New("invalid identity token response")
)

const (
	defaultSessionTTL     = 2 * time.Minute
	defaultActivationWait = 2 * time.Second
)

// Dependencies bundles the collaborators every strategy needs. Zero-value
// optional fields (Logger, Now, timeouts) are filled with defaults by
// normalize.
type Dependencies struct {
	Identity     identity.Client
	Crypto       keys.Service
	Keyring      *keys.Keyring
	Registry     accounts.Registry
	Tokens       tokenstore.Store
	Sessions     sessionstore.Store
	TwoFactor    *twofactor.State
	Scorer       policy.StrengthScorer
	DeviceTrust  *devicetrust.Service
	KeyConnector keyconnector.Service
	AuthRequests *authrequest.Service

	// Device identifies this installation on every token request. An empty
	// identifier is filled from the device-trust service.
	Device identity.DeviceRequest

	// SessionTTL bounds how long a pending challenge may stay resumable.
	SessionTTL time.Duration
	// ActivationWait bounds the account-activation confirmation.
	ActivationWait time.Duration

	// OnLoggedIn, when set, is notified after every fully successful login.
	OnLoggedIn func(userID uuid.UUID)

	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Dependencies) normalize() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = defaultSessionTTL
	}
	if d.ActivationWait <= 0 {
		d.ActivationWait = defaultActivationWait
	}
}

// loginStrategy drives one login attempt for one credential variant.
type loginStrategy interface {
	LogIn(ctx context.Context) (*AuthResult, error)
	LogInTwoFactor(ctx context.Context, input TwoFactorInput) (*AuthResult, error)
	LogInNewDeviceVerification(ctx context.Context, otp string) (*AuthResult, error)
	Method() AuthMethod
	Email() string
	ExportCache() (*CacheData, error)
}

// strategyHooks are the per-strategy key-recovery steps invoked by
// processTokenResponse, strictly in declaration order: the user key
// commonly depends on a master key already being set, and minting a key
// pair for a legacy account needs a usable user key.
type strategyHooks interface {
	setMasterKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error
	setUserKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error
	setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error
	// encryptionKeyMigrationRequired reports whether the response describes
	// a legacy account with no recoverable vault key.
	encryptionKeyMigrationRequired(resp *identity.TokenResponse) bool
}

// credentialPersister is implemented by strategies that must persist extra
// credential material once the account identity is known.
type credentialPersister interface {
	persistCredentials(ctx context.Context, userID uuid.UUID) error
}

// twoFactorObserver is implemented by strategies that need data off the
// two-factor challenge itself (the SSO email-2FA session token).
type twoFactorObserver interface {
	observeTwoFactor(resp *identity.TwoFactorResponse)
}

// base carries the shared protocol: post the pending request, dispatch on
// the response union, and on success run the ordered key-recovery hooks.
type base struct {
	deps    Dependencies
	hooks   strategyHooks
	method  AuthMethod
	email   string
	request identity.TokenRequest
}

func newBase(deps Dependencies, method AuthMethod, hooks strategyHooks) *base {
	return &base{deps: deps, method: method, hooks: hooks}
}

func (b *base) Method() AuthMethod { return b.method }
func (b *base) Email() string      { return b.email }

// startLogIn runs one round of the identity exchange and interprets the
// outcome. The raw result is returned alongside so callers can read
// round-specific payloads (policies, session tokens).
func (b *base) startLogIn(ctx context.Context) (*AuthResult, *identity.TokenResult, error) {
	// A provider selected during an earlier attempt must never leak into
	// this exchange.
	b.deps.TwoFactor.ClearSelected()

	result, err := b.deps.Identity.PostIdentityToken(ctx, b.request)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case result.TwoFactor != nil:
		res, err := b.processTwoFactorResponse(ctx, result.TwoFactor)
		return res, result, err
	case result.DeviceVerification != nil:
		return &AuthResult{RequiresDeviceVerification: true}, result, nil
	case result.Captcha != nil:
		return &AuthResult{RequiresCaptcha: true, CaptchaSiteKey: result.Captcha.SiteKey}, result, nil
	case result.Token != nil:
		res, err := b.processTokenResponse(ctx, result.Token)
		return res, result, err
	}

	b.deps.Logger.Error("identity endpoint returned an unrecognized response shape", "method", b.method)
	return nil, nil, ErrInvalidResponse
}

func (b *base) processTwoFactorResponse(ctx context.Context, resp *identity.TwoFactorResponse) (*AuthResult, error) {
	// Any remembered two-factor token is stale: the server just refused it.
	if b.email != "" {
		if err := b.deps.Tokens.ClearTwoFactorToken(ctx, b.email); err != nil {
			b.deps.Logger.Warn("failed to clear remembered two-factor token", "error", err)
		}
	}

	b.deps.TwoFactor.SetProviders(resp.Providers)

	res := &AuthResult{
		RequiresTwoFactor:       true,
		TwoFactorProviders:      b.deps.TwoFactor.Providers(),
		MaskedEmail:             b.deps.TwoFactor.MaskedEmail(),
		Email:                   resp.Email,
		SsoEmail2faSessionToken: resp.SsoEmail2faSessionToken,
	}
	if o, ok := b.hooks.(twoFactorObserver); ok {
		o.observeTwoFactor(resp)
	}
	return res, nil
}

func (b *base) processTokenResponse(ctx context.Context, resp *identity.TokenResponse) (*AuthResult, error) {
	result := &AuthResult{ResetMasterPassword: resp.ResetMasterPassword}

	if b.hooks.encryptionKeyMigrationRequired(resp) {
		// Legacy accounts without an account encryption key can no longer be
		// migrated here; login is refused rather than half-completed.
		result.RequiresEncryptionKeyMigration = true
		b.deps.Logger.Warn("refusing login for account requiring encryption key migration", "method", b.method)
		return result, nil
	}

	claims, err := identity.DecodeAccessToken(resp.AccessToken)
	if err != nil {
		return nil, err
	}
	userID := claims.UserID
	result.UserID = userID

	if err := b.saveAccountInformation(ctx, resp, claims); err != nil {
		return nil, err
	}

	if err := b.hooks.setMasterKey(ctx, resp, userID); err != nil {
		return nil, err
	}
	if err := b.hooks.setUserKey(ctx, resp, userID); err != nil {
		return nil, err
	}
	if err := b.hooks.setPrivateKey(ctx, resp, userID); err != nil {
		return nil, err
	}

	if resp.ForcePasswordReset {
		if err := b.deps.Registry.SetForceResetReason(ctx, userID, accounts.ResetAdminForced); err != nil {
			return nil, err
		}
	}
	reason, err := b.deps.Registry.ForceResetReason(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.ForcePasswordReset = reason

	b.deps.Logger.Info("logged in", "userID", userID, "method", b.method)
	if b.deps.OnLoggedIn != nil {
		b.deps.OnLoggedIn(userID)
	}
	return result, nil
}

// saveAccountInformation registers the authenticated account, confirms the
// active-account switch took effect, and persists the issued tokens.
func (b *base) saveAccountInformation(ctx context.Context, resp *identity.TokenResponse, claims *identity.AccessTokenClaims) error {
	userID := claims.UserID
	email := claims.Email
	if email == "" {
		email = b.email
	}

	err := b.deps.Registry.AddAccount(ctx, accounts.Account{
		ID:            userID,
		Email:         email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified,
	})
	if err != nil {
		return err
	}
	if err := b.deps.Registry.SwitchAccount(ctx, userID); err != nil {
		return err
	}
	// Activation may propagate asynchronously; a login must not proceed
	// against an account that never became active.
	if err := b.deps.Registry.WaitForActive(ctx, userID, b.deps.ActivationWait); err != nil {
		return err
	}

	err = b.deps.Tokens.SetTokens(ctx, userID, tokenstore.Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	})
	if err != nil {
		return err
	}

	if p, ok := b.hooks.(credentialPersister); ok {
		if err := p.persistCredentials(ctx, userID); err != nil {
			return err
		}
	}

	if resp.TwoFactorToken != "" && email != "" {
		if err := b.deps.Tokens.SetTwoFactorToken(ctx, email, resp.TwoFactorToken); err != nil {
			b.deps.Logger.Warn("failed to remember two-factor token", "error", err)
		}
	}
	return nil
}

// LogInTwoFactor attaches the answer to the cached pending request and
// replays the exchange.
func (b *base) LogInTwoFactor(ctx context.Context, input TwoFactorInput) (*AuthResult, error) {
	b.deps.TwoFactor.SetSelected(input.Provider)
	b.request.SetTwoFactor(&identity.TwoFactorRequest{
		Provider: int(input.Provider),
		Token:    input.Token,
		Remember: input.Remember,
	})
	res, _, err := b.startLogIn(ctx)
	return res, err
}

// LogInNewDeviceVerification attaches the emailed one-time code and replays
// the exchange.
func (b *base) LogInNewDeviceVerification(ctx context.Context, otp string) (*AuthResult, error) {
	b.request.SetNewDeviceOTP(otp)
	res, _, err := b.startLogIn(ctx)
	return res, err
}

// buildTwoFactor resolves the two-factor answer attached to the initial
// request: an explicit answer wins, then a remembered token, then nothing.
func (b *base) buildTwoFactor(ctx context.Context, input *TwoFactorInput, email string) *identity.TwoFactorRequest {
	if input != nil && input.Token != "" {
		b.deps.TwoFactor.SetSelected(input.Provider)
		return &identity.TwoFactorRequest{
			Provider: int(input.Provider),
			Token:    input.Token,
			Remember: input.Remember,
		}
	}
	if email != "" {
		token, ok, err := b.deps.Tokens.GetTwoFactorToken(ctx, email)
		if err != nil {
			b.deps.Logger.Warn("failed to read remembered two-factor token", "error", err)
		} else if ok {
			return &identity.TwoFactorRequest{
				Provider: int(twofactor.ProviderRemember),
				Token:    token,
			}
		}
	}
	return nil
}

// buildDeviceRequest fills the configured device descriptor with the stable
// installation identifier.
func (b *base) buildDeviceRequest(ctx context.Context) (identity.DeviceRequest, error) {
	device := b.deps.Device
	if device.Identifier == "" && b.deps.DeviceTrust != nil {
		id, err := b.deps.DeviceTrust.DeviceIdentifier(ctx)
		if err != nil {
			return device, err
		}
		device.Identifier = id
	}
	return device, nil
}

// storeWrappedUserKey keeps the server-provided master-key-wrapped user key
// verbatim, whether or not this login can decrypt it; a later
// master-password login may need it.
func (b *base) storeWrappedUserKey(resp *identity.TokenResponse, userID uuid.UUID) (*keys.EncString, error) {
	if resp.Key == "" {
		return nil, nil
	}
	wrapped, err := keys.ParseEncString(resp.Key)
	if err != nil {
		return nil, err
	}
	b.deps.Keyring.SetMasterKeyEncryptedUserKey(userID, wrapped)
	return wrapped, nil
}

// setPrivateKeyFromResponse is the shared setPrivateKey behavior: use the
// server-provided wrapped private key, or mint a fresh pair for accounts
// predating key-pair issuance. The mint is best effort; a failure leaves
// the account usable without a key pair.
func (b *base) setPrivateKeyFromResponse(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	if resp.PrivateKey != "" {
		b.deps.Keyring.SetPrivateKey(userID, resp.PrivateKey)
		return nil
	}

	uk := b.deps.Keyring.UserKey(userID)
	if uk == nil {
		return nil
	}
	pair, err := b.deps.Crypto.MakeKeyPair(uk)
	if err != nil {
		b.deps.Logger.Warn("failed to mint key pair for legacy account", "userID", userID, "error", err)
		return nil
	}
	err = b.deps.Identity.PostAccountKeys(ctx,
		base64.StdEncoding.EncodeToString(pair.PublicKeyDER), pair.WrappedPrivateKey.String())
	if err != nil {
		b.deps.Logger.Warn("failed to upload key pair for legacy account", "userID", userID, "error", err)
		return nil
	}
	b.deps.Keyring.SetPrivateKey(userID, pair.WrappedPrivateKey.String())
	b.deps.Logger.Info("minted key pair for legacy account", "userID", userID)
	return nil
}

// makePreloginKey derives the master key for an email using the account's
// published KDF parameters, falling back to defaults when the account is
// unknown to the server.
func makePreloginKey(ctx context.Context, deps Dependencies, password, email string) (*keys.MasterKey, error) {
	cfg, err := deps.Identity.PostPrelogin(ctx, email)
	if err != nil {
		var apiErr *identity.ErrorResponse
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		deps.Logger.Debug("prelogin unavailable, using default kdf", "status", apiErr.StatusCode)
		fallback := keys.DefaultKdfConfig()
		cfg = &fallback
	}
	return deps.Crypto.DeriveMasterKey(ctx, password, email, *cfg)
}
