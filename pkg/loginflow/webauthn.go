package loginflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
)

// webAuthnStrategy authenticates with a signed WebAuthn assertion. This
// method never recovers a master key; vault decryption relies on the
// authenticator's PRF output when the server offers a PRF option.
type webAuthnStrategy struct {
	*base

	prfKey *keys.SymmetricKey
}

func newWebAuthnStrategy(ctx context.Context, deps Dependencies, creds WebAuthnCredentials) (*webAuthnStrategy, error) {
	s := &webAuthnStrategy{prfKey: creds.PrfKey}
	s.base = newBase(deps, MethodWebAuthn, s)

	device, err := s.buildDeviceRequest(ctx)
	if err != nil {
		return nil, err
	}
	s.request = identity.NewWebAuthnTokenRequest(creds.Token, creds.DeviceResponse, device)
	return s, nil
}

func (s *webAuthnStrategy) LogIn(ctx context.Context) (*AuthResult, error) {
	res, _, err := s.startLogIn(ctx)
	return res, err
}

func (s *webAuthnStrategy) setMasterKey(context.Context, *identity.TokenResponse, uuid.UUID) error {
	return nil
}

func (s *webAuthnStrategy) setUserKey(_ context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	if _, err := s.storeWrappedUserKey(resp, userID); err != nil {
		return err
	}

	if resp.UserDecryptionOptions == nil || resp.UserDecryptionOptions.WebAuthnPrfOption == nil || s.prfKey == nil {
		return nil
	}
	option := resp.UserDecryptionOptions.WebAuthnPrfOption
	if option.EncryptedPrivateKey == nil || option.EncryptedUserKey == nil {
		return nil
	}

	// PRF key -> private key -> user key. A failure leaves the session
	// authenticated but locked, same as a missing PRF option.
	privDER, err := keys.DecryptWithKey(option.EncryptedPrivateKey, s.prfKey)
	if err != nil {
		s.deps.Logger.Warn("prf private key unwrap failed", "userID", userID, "error", err)
		return nil
	}
	uk, err := s.deps.Crypto.DecryptUserKeyWithPrivateKey(option.EncryptedUserKey, privDER)
	if err != nil {
		s.deps.Logger.Warn("prf user key unwrap failed", "userID", userID, "error", err)
		return nil
	}
	s.deps.Keyring.SetUserKey(userID, uk)
	return nil
}

func (s *webAuthnStrategy) setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	return s.setPrivateKeyFromResponse(ctx, resp, userID)
}

func (s *webAuthnStrategy) encryptionKeyMigrationRequired(*identity.TokenResponse) bool {
	return false
}
