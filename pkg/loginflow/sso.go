package loginflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/identity"
)

// ssoStrategy exchanges an SSO authorization code. Key recovery branches on
// the decryption mode the server declares for the user: trusted device,
// pending admin approval, or Key Connector.
type ssoStrategy struct {
	*base

	orgID                   string
	ssoEmail2faSessionToken string
}

func newSsoStrategy(ctx context.Context, deps Dependencies, creds SsoCredentials) (*ssoStrategy, error) {
	s := &ssoStrategy{orgID: creds.OrgID}
	s.base = newBase(deps, MethodSso, s)
	s.email = creds.Email

	device, err := s.buildDeviceRequest(ctx)
	if err != nil {
		return nil, err
	}
	tf := s.buildTwoFactor(ctx, creds.TwoFactor, creds.Email)
	s.request = identity.NewSsoTokenRequest(creds.Code, creds.CodeVerifier, creds.RedirectURL, tf, device)
	return s, nil
}

func (s *ssoStrategy) LogIn(ctx context.Context) (*AuthResult, error) {
	res, _, err := s.startLogIn(ctx)
	return res, err
}

// observeTwoFactor captures the challenge payload SSO needs for its email
// two-factor flow.
func (s *ssoStrategy) observeTwoFactor(resp *identity.TwoFactorResponse) {
	s.ssoEmail2faSessionToken = resp.SsoEmail2faSessionToken
	if resp.Email != "" {
		s.email = resp.Email
	}
}

// SsoEmail2faSessionToken returns the session token issued alongside an
// SSO email two-factor challenge.
func (s *ssoStrategy) SsoEmail2faSessionToken() string {
	return s.ssoEmail2faSessionToken
}

func (s *ssoStrategy) setMasterKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	if s.deps.KeyConnector == nil || resp.KeyConnectorAddress() == "" {
		return nil
	}
	if resp.Key == "" {
		// First SSO login of a brand-new Key Connector user: no key material
		// exists yet, so it is provisioned now.
		return s.deps.KeyConnector.ConvertNewUser(ctx, resp, s.orgID, userID)
	}
	return s.deps.KeyConnector.SetMasterKeyFromURL(ctx, resp.KeyConnectorAddress(), userID)
}

func (s *ssoStrategy) setUserKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	wrapped, err := s.storeWrappedUserKey(resp, userID)
	if err != nil {
		return err
	}

	opts := resp.UserDecryptionOptions
	switch {
	case opts != nil && opts.TrustedDeviceOption != nil:
		if err := s.trySetUserKeyFromApprovedAdminRequest(ctx, userID); err != nil {
			return err
		}
		if !s.deps.Keyring.HasUserKey(userID) {
			s.trySetUserKeyWithDeviceKey(ctx, resp, userID)
		}
	case resp.KeyConnectorAddress() != "" && wrapped != nil:
		mk := s.deps.Keyring.MasterKey(userID)
		if mk == nil {
			return nil
		}
		uk, err := s.deps.Crypto.DecryptUserKeyWithMasterKey(mk, wrapped)
		if err != nil {
			return err
		}
		s.deps.Keyring.SetUserKey(userID, uk)
	}
	return nil
}

// trySetUserKeyFromApprovedAdminRequest consumes a pending admin-approval
// auth request if the server has since approved it. A denied or expired
// request is discarded and the login falls through to the device-key path.
func (s *ssoStrategy) trySetUserKeyFromApprovedAdminRequest(ctx context.Context, userID uuid.UUID) error {
	if s.deps.AuthRequests == nil {
		return nil
	}
	pending, err := s.deps.AuthRequests.AdminAuthRequest(ctx, userID)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}

	approval, err := s.deps.Identity.GetAuthRequest(ctx, pending.ID)
	if err != nil {
		// The request no longer exists server side; forget it locally.
		s.deps.Logger.Info("pending admin auth request is gone", "requestID", pending.ID, "error", err)
		return s.deps.AuthRequests.ClearAdminAuthRequest(ctx, userID)
	}
	if !approval.RequestApproved {
		return nil
	}

	if approval.MasterPasswordHash != "" {
		err = s.deps.AuthRequests.SetKeysAfterApproval(ctx, approval, pending.PrivateKeyDER, userID)
	} else {
		err = s.deps.AuthRequests.SetUserKeyAfterApproval(ctx, approval, pending.PrivateKeyDER, userID)
	}
	if err != nil {
		return err
	}
	if err := s.deps.AuthRequests.ClearAdminAuthRequest(ctx, userID); err != nil {
		return err
	}

	// Trust establishment after an admin approval is best effort; the login
	// already holds a usable user key.
	if s.deps.DeviceTrust != nil {
		if err := s.deps.DeviceTrust.EstablishTrustIfRequired(ctx, userID); err != nil {
			s.deps.Logger.Warn("failed to establish device trust after admin approval",
				"userID", userID, "error", err)
		}
	}
	s.deps.Logger.Info("login approved by admin auth request", "userID", userID, "requestID", pending.ID)
	return nil
}

// trySetUserKeyWithDeviceKey opens the trusted-device envelopes with the
// locally stored device key. Missing material is a soft failure: the caller
// ends up logged in without a decrypted vault and recovers through another
// path.
func (s *ssoStrategy) trySetUserKeyWithDeviceKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) {
	if s.deps.DeviceTrust == nil {
		return
	}
	option := resp.UserDecryptionOptions.TrustedDeviceOption

	deviceKey, err := s.deps.DeviceTrust.DeviceKey(ctx, userID)
	if err != nil {
		s.deps.Logger.Warn("failed to read device key", "userID", userID, "error", err)
		return
	}
	if deviceKey == nil || option.EncryptedPrivateKey == nil || option.EncryptedUserKey == nil {
		s.deps.Logger.Info("cannot unlock with trusted device, key material missing", "userID", userID)
		return
	}

	uk, err := s.deps.DeviceTrust.DecryptUserKeyWithDeviceKey(ctx, userID,
		option.EncryptedPrivateKey, option.EncryptedUserKey, deviceKey)
	if err != nil {
		s.deps.Logger.Warn("trusted device unwrap failed", "userID", userID, "error", err)
		if err := s.deps.DeviceTrust.RecordTrustLoss(ctx); err != nil {
			s.deps.Logger.Warn("failed to record trust loss", "error", err)
		}
		return
	}
	s.deps.Keyring.SetUserKey(userID, uk)

	if err := s.deps.DeviceTrust.EstablishTrustIfRequired(ctx, userID); err != nil {
		s.deps.Logger.Warn("failed to establish device trust", "userID", userID, "error", err)
	}
}

func (s *ssoStrategy) setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	return s.setPrivateKeyFromResponse(ctx, resp, userID)
}

func (s *ssoStrategy) encryptionKeyMigrationRequired(*identity.TokenResponse) bool {
	// SSO responses legitimately omit the wrapped user key (TDE, new Key
	// Connector users), so its absence proves nothing about the account age.
	return false
}
