package loginflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
)

// authRequestStrategy finishes a passwordless auth request that another
// device or an administrator approved. The approver shared either the user
// key directly or a master key plus its local hash; key recovery depends on
// which, so the credentials ride along in the strategy state.
type authRequestStrategy struct {
	*base

	accessCode    string
	authRequestID string
	userKey       *keys.UserKey
	masterKey     *keys.MasterKey
	masterKeyHash string
}

func newAuthRequestStrategy(ctx context.Context, deps Dependencies, creds AuthRequestCredentials) (*authRequestStrategy, error) {
	s := &authRequestStrategy{
		accessCode:    creds.AccessCode,
		authRequestID: creds.AuthRequestID,
		userKey:       creds.UserKey,
		masterKey:     creds.MasterKey,
		masterKeyHash: creds.MasterKeyHash,
	}
	s.base = newBase(deps, MethodAuthRequest, s)
	s.email = creds.Email

	device, err := s.buildDeviceRequest(ctx)
	if err != nil {
		return nil, err
	}
	tf := s.buildTwoFactor(ctx, creds.TwoFactor, creds.Email)
	s.request = identity.NewAuthRequestTokenRequest(creds.Email, creds.AccessCode, creds.AuthRequestID, tf, device)
	return s, nil
}

func (s *authRequestStrategy) LogIn(ctx context.Context) (*AuthResult, error) {
	res, _, err := s.startLogIn(ctx)
	return res, err
}

// AccessCode exposes the in-flight access code for UI projections.
func (s *authRequestStrategy) AccessCode() string { return s.accessCode }

func (s *authRequestStrategy) setMasterKey(_ context.Context, _ *identity.TokenResponse, userID uuid.UUID) error {
	if s.masterKey == nil || s.masterKeyHash == "" {
		return nil
	}
	s.deps.Keyring.SetMasterKey(userID, s.masterKey)
	s.deps.Keyring.SetMasterKeyHash(userID, s.masterKeyHash)
	return nil
}

func (s *authRequestStrategy) setUserKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	wrapped, err := s.storeWrappedUserKey(resp, userID)
	if err != nil {
		return err
	}

	// An already-decrypted user key from the approver wins outright; trust
	// establishment is reserved for the master-key path.
	if s.userKey != nil {
		s.deps.Keyring.SetUserKey(userID, s.userKey)
		return nil
	}

	mk := s.deps.Keyring.MasterKey(userID)
	if mk == nil || wrapped == nil {
		return nil
	}
	uk, err := s.deps.Crypto.DecryptUserKeyWithMasterKey(mk, wrapped)
	if err != nil {
		return err
	}
	s.deps.Keyring.SetUserKey(userID, uk)

	if s.deps.DeviceTrust != nil {
		if err := s.deps.DeviceTrust.EstablishTrustIfRequired(ctx, userID); err != nil {
			s.deps.Logger.Warn("failed to establish device trust after auth request login",
				"userID", userID, "error", err)
		}
	}
	return nil
}

func (s *authRequestStrategy) setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	return s.setPrivateKeyFromResponse(ctx, resp, userID)
}

func (s *authRequestStrategy) encryptionKeyMigrationRequired(*identity.TokenResponse) bool {
	return false
}
