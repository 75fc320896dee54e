package identity

import (
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
)

// TokenResponse is a successful identity exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`

	// Key is the master-key-wrapped user key; empty for legacy accounts
	// predating account encryption keys and for new SSO JIT users.
	Key string `json:"Key"`
	// PrivateKey is the user-key-wrapped private key; empty for accounts
	// predating key-pair issuance.
	PrivateKey string `json:"PrivateKey"`

	Kdf            keys.KdfType `json:"Kdf"`
	KdfIterations  int          `json:"KdfIterations"`
	KdfMemory      int          `json:"KdfMemory"`
	KdfParallelism int          `json:"KdfParallelism"`

	ForcePasswordReset  bool   `json:"ForcePasswordReset"`
	ResetMasterPassword bool   `json:"ResetMasterPassword"`
	TwoFactorToken      string `json:"TwoFactorToken"`

	ApiUseKeyConnector bool   `json:"ApiUseKeyConnector"`
	KeyConnectorURL    string `json:"KeyConnectorUrl"`

	MasterPasswordPolicy  *policy.MasterPasswordPolicyOptions `json:"MasterPasswordPolicy"`
	UserDecryptionOptions *UserDecryptionOptions              `json:"UserDecryptionOptions"`
}

// KdfConfig collects the KDF parameters of the response.
func (r *TokenResponse) KdfConfig() keys.KdfConfig {
	return keys.KdfConfig{
		Type:        r.Kdf,
		Iterations:  r.KdfIterations,
		Memory:      r.KdfMemory,
		Parallelism: r.KdfParallelism,
	}
}

// KeyConnectorAddress returns the Key Connector URL, wherever the server
// put it. Older servers set the top-level field, newer ones nest it in the
// decryption options.
func (r *TokenResponse) KeyConnectorAddress() string {
	if r.KeyConnectorURL != "" {
		return r.KeyConnectorURL
	}
	if r.UserDecryptionOptions != nil && r.UserDecryptionOptions.KeyConnectorOption != nil {
		return r.UserDecryptionOptions.KeyConnectorOption.KeyConnectorURL
	}
	return ""
}

// UserDecryptionOptions declares which vault-key recovery paths the server
// offers for this user.
type UserDecryptionOptions struct {
	HasMasterPassword   bool                 `json:"HasMasterPassword"`
	TrustedDeviceOption *TrustedDeviceOption `json:"TrustedDeviceOption"`
	KeyConnectorOption  *KeyConnectorOption  `json:"KeyConnectorOption"`
	WebAuthnPrfOption   *WebAuthnPrfOption   `json:"WebAuthnPrfOption"`
}

// TrustedDeviceOption carries the envelopes a trusted device can open.
type TrustedDeviceOption struct {
	EncryptedPrivateKey              *keys.EncString `json:"EncryptedPrivateKey"`
	EncryptedUserKey                 *keys.EncString `json:"EncryptedUserKey"`
	HasAdminApproval                 bool            `json:"HasAdminApproval"`
	HasLoginApprovingDevice          bool            `json:"HasLoginApprovingDevice"`
	HasManageResetPasswordPermission bool            `json:"HasManageResetPasswordPermission"`
}

// KeyConnectorOption points at the organization's Key Connector.
type KeyConnectorOption struct {
	KeyConnectorURL string `json:"KeyConnectorUrl"`
}

// WebAuthnPrfOption carries the envelopes a PRF-capable authenticator can
// open: a PRF-key-wrapped private key and a public-key-wrapped user key.
type WebAuthnPrfOption struct {
	EncryptedPrivateKey *keys.EncString `json:"EncryptedPrivateKey"`
	EncryptedUserKey    *keys.EncString `json:"EncryptedUserKey"`
}

// TwoFactorResponse is the server demanding a second factor.
type TwoFactorResponse struct {
	// Providers maps provider type (as a decimal string) to provider data,
	// e.g. the masked email destination for the email provider.
	Providers               map[string]map[string]any           `json:"TwoFactorProviders2"`
	CaptchaToken            string                              `json:"CaptchaBypassToken"`
	SsoEmail2faSessionToken string                              `json:"SsoEmail2faSessionToken"`
	Email                   string                              `json:"Email"`
	MasterPasswordPolicy    *policy.MasterPasswordPolicyOptions `json:"MasterPasswordPolicy"`
}

// DeviceVerificationResponse is the server demanding a new-device OTP.
type DeviceVerificationResponse struct {
	DeviceVerificationRequired bool `json:"DeviceVerificationRequired"`
}

// CaptchaResponse is the server demanding a CAPTCHA solution.
type CaptchaResponse struct {
	SiteKey string `json:"HCaptcha_SiteKey"`
}

// TokenResult is the union of identity exchange outcomes; exactly one
// member is non-nil.
type TokenResult struct {
	Token              *TokenResponse
	TwoFactor          *TwoFactorResponse
	DeviceVerification *DeviceVerificationResponse
	Captcha            *CaptchaResponse
}

// AuthRequestResponse is the server-side state of a passwordless auth
// request.
type AuthRequestResponse struct {
	ID              string `json:"id"`
	PublicKey       string `json:"publicKey"`
	RequestApproved bool   `json:"requestApproved"`
	// Key is the shared key envelope: requester-public-key-encrypted user
	// key, or master key when MasterPasswordHash is also present.
	Key                string `json:"key"`
	MasterPasswordHash string `json:"masterPasswordHash"`
}
