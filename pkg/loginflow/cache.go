package loginflow

import (
	"fmt"

	"github.com/jinzhu/copier"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
)

// CacheData is the frozen form of an in-flight strategy, written while a
// challenge round trip is outstanding. Type is the discriminant naming the
// strategy that produced the record; exactly one record field is set, and
// deserialization dispatches on the discriminant so nested values (keys,
// pending requests) come back as their concrete types.
type CacheData struct {
	Type        string             `json:"type"`
	Password    *passwordRecord    `json:"password,omitempty"`
	Sso         *ssoRecord         `json:"sso,omitempty"`
	UserAPI     *userAPIRecord     `json:"userApi,omitempty"`
	AuthRequest *authRequestRecord `json:"authRequest,omitempty"`
	WebAuthn    *webAuthnRecord    `json:"webauthn,omitempty"`
}

type passwordRecord struct {
	Request             *identity.PasswordTokenRequest      `json:"request"`
	Email               string                              `json:"email"`
	MasterKey           *keys.MasterKey                     `json:"masterKey"`
	LocalHash           string                              `json:"localMasterKeyHash"`
	InvitePolicy        *policy.MasterPasswordPolicyOptions `json:"invitePolicy,omitempty"`
	WeakPasswordPending bool                                `json:"weakPasswordPending,omitempty"`
}

type ssoRecord struct {
	Request                 *identity.SsoTokenRequest `json:"request"`
	Email                   string                    `json:"email"`
	OrgID                   string                    `json:"orgId"`
	SsoEmail2faSessionToken string                    `json:"ssoEmail2faSessionToken,omitempty"`
}

type userAPIRecord struct {
	Request *identity.APITokenRequest `json:"request"`
}

type authRequestRecord struct {
	Request       *identity.AuthRequestTokenRequest `json:"request"`
	Email         string                            `json:"email"`
	AccessCode    string                            `json:"accessCode"`
	AuthRequestID string                            `json:"authRequestId"`
	UserKey       *keys.UserKey                     `json:"userKey,omitempty"`
	MasterKey     *keys.MasterKey                   `json:"masterKey,omitempty"`
	MasterKeyHash string                            `json:"masterKeyHash,omitempty"`
}

type webAuthnRecord struct {
	Request *identity.WebAuthnTokenRequest `json:"request"`
	PrfKey  *keys.SymmetricKey             `json:"prfKey,omitempty"`
}

// copyRequest deep-copies a pending request so later mutation of the live
// strategy cannot bleed into the frozen record.
func copyRequest[T any](src identity.TokenRequest) (*T, error) {
	dst := new(T)
	if err := copier.CopyWithOption(dst, src, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to copy pending request: %w", err)
	}
	return dst, nil
}

func (s *passwordStrategy) ExportCache() (*CacheData, error) {
	req, err := copyRequest[identity.PasswordTokenRequest](s.request)
	if err != nil {
		return nil, err
	}
	return &CacheData{
		Type: MethodPassword.String(),
		Password: &passwordRecord{
			Request:             req,
			Email:               s.email,
			MasterKey:           s.masterKey,
			LocalHash:           s.localHash,
			InvitePolicy:        s.invitePolicy,
			WeakPasswordPending: s.weakPasswordPending,
		},
	}, nil
}

func (s *ssoStrategy) ExportCache() (*CacheData, error) {
	req, err := copyRequest[identity.SsoTokenRequest](s.request)
	if err != nil {
		return nil, err
	}
	return &CacheData{
		Type: MethodSso.String(),
		Sso: &ssoRecord{
			Request:                 req,
			Email:                   s.email,
			OrgID:                   s.orgID,
			SsoEmail2faSessionToken: s.ssoEmail2faSessionToken,
		},
	}, nil
}

func (s *userAPIStrategy) ExportCache() (*CacheData, error) {
	req, err := copyRequest[identity.APITokenRequest](s.request)
	if err != nil {
		return nil, err
	}
	return &CacheData{
		Type:    MethodUserAPI.String(),
		UserAPI: &userAPIRecord{Request: req},
	}, nil
}

func (s *authRequestStrategy) ExportCache() (*CacheData, error) {
	req, err := copyRequest[identity.AuthRequestTokenRequest](s.request)
	if err != nil {
		return nil, err
	}
	return &CacheData{
		Type: MethodAuthRequest.String(),
		AuthRequest: &authRequestRecord{
			Request:       req,
			Email:         s.email,
			AccessCode:    s.accessCode,
			AuthRequestID: s.authRequestID,
			UserKey:       s.userKey,
			MasterKey:     s.masterKey,
			MasterKeyHash: s.masterKeyHash,
		},
	}, nil
}

func (s *webAuthnStrategy) ExportCache() (*CacheData, error) {
	req, err := copyRequest[identity.WebAuthnTokenRequest](s.request)
	if err != nil {
		return nil, err
	}
	return &CacheData{
		Type:     MethodWebAuthn.String(),
		WebAuthn: &webAuthnRecord{Request: req, PrfKey: s.prfKey},
	}, nil
}

// restoreStrategy rebuilds a live strategy from its frozen record. An
// unknown discriminant or a missing record fails loudly; resuming a guessed
// strategy would corrupt the session.
func restoreStrategy(deps Dependencies, data *CacheData) (loginStrategy, error) {
	switch data.Type {
	case MethodPassword.String():
		r := data.Password
		if r == nil || r.Request == nil {
			return nil, fmt.Errorf("password cache record is incomplete")
		}
		s := &passwordStrategy{
			masterKey:           r.MasterKey,
			localHash:           r.LocalHash,
			invitePolicy:        r.InvitePolicy,
			weakPasswordPending: r.WeakPasswordPending,
		}
		s.base = newBase(deps, MethodPassword, s)
		s.email = r.Email
		s.request = r.Request
		return s, nil

	case MethodSso.String():
		r := data.Sso
		if r == nil || r.Request == nil {
			return nil, fmt.Errorf("sso cache record is incomplete")
		}
		s := &ssoStrategy{
			orgID:                   r.OrgID,
			ssoEmail2faSessionToken: r.SsoEmail2faSessionToken,
		}
		s.base = newBase(deps, MethodSso, s)
		s.email = r.Email
		s.request = r.Request
		return s, nil

	case MethodUserAPI.String():
		r := data.UserAPI
		if r == nil || r.Request == nil {
			return nil, fmt.Errorf("userApi cache record is incomplete")
		}
		s := &userAPIStrategy{
			clientID:     r.Request.ClientID,
			clientSecret: r.Request.ClientSecret,
		}
		s.base = newBase(deps, MethodUserAPI, s)
		s.request = r.Request
		return s, nil

	case MethodAuthRequest.String():
		r := data.AuthRequest
		if r == nil || r.Request == nil {
			return nil, fmt.Errorf("authRequest cache record is incomplete")
		}
		s := &authRequestStrategy{
			accessCode:    r.AccessCode,
			authRequestID: r.AuthRequestID,
			userKey:       r.UserKey,
			masterKey:     r.MasterKey,
			masterKeyHash: r.MasterKeyHash,
		}
		s.base = newBase(deps, MethodAuthRequest, s)
		s.email = r.Email
		s.request = r.Request
		return s, nil

	case MethodWebAuthn.String():
		r := data.WebAuthn
		if r == nil || r.Request == nil {
			return nil, fmt.Errorf("webauthn cache record is incomplete")
		}
		s := &webAuthnStrategy{prfKey: r.PrfKey}
		s.base = newBase(deps, MethodWebAuthn, s)
		s.request = r.Request
		return s, nil
	}
	return nil, fmt.Errorf("unknown cached strategy type %q", data.Type)
}
