package identity

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// DeviceRequest identifies the client device on every token request.
type DeviceRequest struct {
	Type       int    `json:"type"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	PushToken  string `json:"pushToken,omitempty"`
}

// TwoFactorRequest carries a two-factor answer on a token request.
type TwoFactorRequest struct {
	Provider int    `json:"provider"`
	Token    string `json:"token"`
	Remember bool   `json:"remember"`
}

// TokenRequest is one of the five grant payloads posted to the identity
// token endpoint.
type TokenRequest interface {
	// Values renders the form-encoded grant payload.
	Values() url.Values
	// SetTwoFactor replaces the two-factor answer for a challenge replay.
	SetTwoFactor(tf *TwoFactorRequest)
	// TwoFactor returns the currently attached answer, if any.
	TwoFactor() *TwoFactorRequest
	// SetNewDeviceOTP attaches a new-device verification code.
	SetNewDeviceOTP(otp string)
}

// RequestBase holds the fields shared by every token request. Exported so
// pending requests survive cache serialization.
type RequestBase struct {
	TwoFactorAnswer *TwoFactorRequest `json:"twoFactor,omitempty"`
	Device          DeviceRequest     `json:"device"`
	NewDeviceOTP    string            `json:"newDeviceOtp,omitempty"`
}

func (r *RequestBase) SetTwoFactor(tf *TwoFactorRequest) { r.TwoFactorAnswer = tf }
func (r *RequestBase) TwoFactor() *TwoFactorRequest      { return r.TwoFactorAnswer }
func (r *RequestBase) SetNewDeviceOTP(otp string)        { r.NewDeviceOTP = otp }

func (r *RequestBase) baseValues() url.Values {
	v := url.Values{}
	v.Set("deviceType", strconv.Itoa(r.Device.Type))
	v.Set("deviceIdentifier", r.Device.Identifier)
	v.Set("deviceName", r.Device.Name)
	if r.Device.PushToken != "" {
		v.Set("devicePushToken", r.Device.PushToken)
	}
	if r.TwoFactorAnswer != nil {
		v.Set("twoFactorToken", r.TwoFactorAnswer.Token)
		v.Set("twoFactorProvider", strconv.Itoa(r.TwoFactorAnswer.Provider))
		v.Set("twoFactorRemember", boolBit(r.TwoFactorAnswer.Remember))
	}
	if r.NewDeviceOTP != "" {
		v.Set("newDeviceOtp", r.NewDeviceOTP)
	}
	return v
}

// PasswordTokenRequest authenticates with an email and the server-side
// master password hash.
type PasswordTokenRequest struct {
	RequestBase
	Email              string `json:"email"`
	MasterPasswordHash string `json:"masterPasswordHash"`
	CaptchaResponse    string `json:"captchaResponse,omitempty"`
}

func NewPasswordTokenRequest(email, hash, captcha string, tf *TwoFactorRequest, device DeviceRequest) *PasswordTokenRequest {
	return &PasswordTokenRequest{
		RequestBase:        RequestBase{TwoFactorAnswer: tf, Device: device},
		Email:              email,
		MasterPasswordHash: hash,
		CaptchaResponse:    captcha,
	}
}

func (r *PasswordTokenRequest) Values() url.Values {
	v := r.baseValues()
	v.Set("grant_type", "password")
	v.Set("scope", "api offline_access")
	v.Set("username", r.Email)
	v.Set("password", r.MasterPasswordHash)
	if r.CaptchaResponse != "" {
		v.Set("captchaResponse", r.CaptchaResponse)
	}
	return v
}

// SsoTokenRequest exchanges an SSO authorization code with PKCE.
type SsoTokenRequest struct {
	RequestBase
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

func NewSsoTokenRequest(code, codeVerifier, redirectURI string, tf *TwoFactorRequest, device DeviceRequest) *SsoTokenRequest {
	return &SsoTokenRequest{
		RequestBase:  RequestBase{TwoFactorAnswer: tf, Device: device},
		Code:         code,
		CodeVerifier: codeVerifier,
		RedirectURI:  redirectURI,
	}
}

func (r *SsoTokenRequest) Values() url.Values {
	v := r.baseValues()
	v.Set("grant_type", "authorization_code")
	v.Set("scope", "api offline_access")
	v.Set("code", r.Code)
	v.Set("code_verifier", r.CodeVerifier)
	v.Set("redirect_uri", r.RedirectURI)
	return v
}

// APITokenRequest authenticates a long-lived API key.
type APITokenRequest struct {
	RequestBase
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func NewAPITokenRequest(clientID, clientSecret string, device DeviceRequest) *APITokenRequest {
	return &APITokenRequest{
		RequestBase:  RequestBase{Device: device},
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

func (r *APITokenRequest) Values() url.Values {
	v := r.baseValues()
	v.Set("grant_type", "client_credentials")
	v.Set("scope", "api")
	v.Set("client_id", r.ClientID)
	v.Set("client_secret", r.ClientSecret)
	return v
}

// AuthRequestTokenRequest authenticates with an approved auth request's
// access code.
type AuthRequestTokenRequest struct {
	RequestBase
	Email         string `json:"email"`
	AccessCode    string `json:"accessCode"`
	AuthRequestID string `json:"authRequestId"`
}

func NewAuthRequestTokenRequest(email, accessCode, authRequestID string, tf *TwoFactorRequest, device DeviceRequest) *AuthRequestTokenRequest {
	return &AuthRequestTokenRequest{
		RequestBase:   RequestBase{TwoFactorAnswer: tf, Device: device},
		Email:         email,
		AccessCode:    accessCode,
		AuthRequestID: authRequestID,
	}
}

func (r *AuthRequestTokenRequest) Values() url.Values {
	v := r.baseValues()
	v.Set("grant_type", "password")
	v.Set("scope", "api offline_access")
	v.Set("username", r.Email)
	v.Set("password", r.AccessCode)
	v.Set("authRequest", r.AuthRequestID)
	return v
}

// WebAuthnTokenRequest authenticates with a signed WebAuthn assertion.
type WebAuthnTokenRequest struct {
	RequestBase
	Token          string          `json:"token"`
	DeviceResponse json.RawMessage `json:"deviceResponse"`
}

func NewWebAuthnTokenRequest(token string, deviceResponse json.RawMessage, device DeviceRequest) *WebAuthnTokenRequest {
	return &WebAuthnTokenRequest{
		RequestBase:    RequestBase{Device: device},
		Token:          token,
		DeviceResponse: deviceResponse,
	}
}

func (r *WebAuthnTokenRequest) Values() url.Values {
	v := r.baseValues()
	v.Set("grant_type", "webauthn")
	v.Set("scope", "api offline_access")
	v.Set("token", r.Token)
	v.Set("deviceResponse", string(r.DeviceResponse))
	return v
}

func boolBit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
