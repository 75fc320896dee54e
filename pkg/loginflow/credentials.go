package loginflow

import (
	"encoding/json"

	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

// AuthMethod tags the five supported authentication methods.
type AuthMethod int

const (
	MethodPassword AuthMethod = iota
	MethodSso
	MethodUserAPI
	MethodAuthRequest
	MethodWebAuthn
)

func (m AuthMethod) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodSso:
		return "sso"
	case MethodUserAPI:
		return "userApi"
	case MethodAuthRequest:
		return "authRequest"
	case MethodWebAuthn:
		return "webauthn"
	default:
		return "unknown"
	}
}

// TwoFactorInput is a user-supplied two-factor answer.
type TwoFactorInput struct {
	Provider twofactor.ProviderType `json:"provider"`
	Token    string                 `json:"token"`
	Remember bool                   `json:"remember"`
}

// Credentials is the tagged union of the five credential variants. Exactly
// one variant is active per login attempt; a strategy instance is bound to
// its variant for the attempt's lifetime.
type Credentials interface {
	Method() AuthMethod
}

// PasswordCredentials authenticates with an email and master password.
type PasswordCredentials struct {
	Email          string
	MasterPassword string
	CaptchaToken   string
	TwoFactor      *TwoFactorInput
	// PoliciesFromOrgInvite carries a master-password policy received
	// out-of-band through an organization invite.
	PoliciesFromOrgInvite *policy.MasterPasswordPolicyOptions
}

func (PasswordCredentials) Method() AuthMethod { return MethodPassword }

// SsoCredentials authenticates with an SSO authorization code and PKCE
// verifier.
type SsoCredentials struct {
	Code         string
	CodeVerifier string
	RedirectURL  string
	OrgID        string
	Email        string
	TwoFactor    *TwoFactorInput
}

func (SsoCredentials) Method() AuthMethod { return MethodSso }

// UserAPICredentials authenticates with a long-lived API key.
type UserAPICredentials struct {
	ClientID     string
	ClientSecret string
}

func (UserAPICredentials) Method() AuthMethod { return MethodUserAPI }

// AuthRequestCredentials authenticates with an approved passwordless auth
// request. The approver may have shared either the user key directly or a
// master key plus its local hash.
type AuthRequestCredentials struct {
	Email         string
	AccessCode    string
	AuthRequestID string
	UserKey       *keys.UserKey
	MasterKey     *keys.MasterKey
	MasterKeyHash string
	TwoFactor     *TwoFactorInput
}

func (AuthRequestCredentials) Method() AuthMethod { return MethodAuthRequest }

// WebAuthnCredentials authenticates with a signed WebAuthn assertion. The
// PRF key, when the authenticator supports it, unlocks the vault without a
// master password.
type WebAuthnCredentials struct {
	Token          string
	DeviceResponse json.RawMessage
	PrfKey         *keys.SymmetricKey
}

func (WebAuthnCredentials) Method() AuthMethod { return MethodWebAuthn }
