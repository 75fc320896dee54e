package loginflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/identity"
)

// userAPIStrategy authenticates a long-lived API key (client credentials
// grant). Vault decryption is only possible when the account delegates its
// master key to a Key Connector.
type userAPIStrategy struct {
	*base

	clientID     string
	clientSecret string
}

func newUserAPIStrategy(ctx context.Context, deps Dependencies, creds UserAPICredentials) (*userAPIStrategy, error) {
	s := &userAPIStrategy{clientID: creds.ClientID, clientSecret: creds.ClientSecret}
	s.base = newBase(deps, MethodUserAPI, s)

	device, err := s.buildDeviceRequest(ctx)
	if err != nil {
		return nil, err
	}
	s.request = identity.NewAPITokenRequest(creds.ClientID, creds.ClientSecret, device)
	return s, nil
}

func (s *userAPIStrategy) LogIn(ctx context.Context) (*AuthResult, error) {
	res, _, err := s.startLogIn(ctx)
	return res, err
}

// persistCredentials stores the API key so the client can refresh its
// session without re-prompting.
func (s *userAPIStrategy) persistCredentials(ctx context.Context, userID uuid.UUID) error {
	return s.deps.Tokens.SetClientCredentials(ctx, userID, s.clientID, s.clientSecret)
}

func (s *userAPIStrategy) setMasterKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	if !resp.ApiUseKeyConnector || s.deps.KeyConnector == nil {
		return nil
	}
	return s.deps.KeyConnector.SetMasterKeyFromURL(ctx, resp.KeyConnectorAddress(), userID)
}

func (s *userAPIStrategy) setUserKey(_ context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	wrapped, err := s.storeWrappedUserKey(resp, userID)
	if err != nil {
		return err
	}
	if wrapped == nil || !resp.ApiUseKeyConnector {
		return nil
	}
	mk := s.deps.Keyring.MasterKey(userID)
	if mk == nil {
		return nil
	}
	uk, err := s.deps.Crypto.DecryptUserKeyWithMasterKey(mk, wrapped)
	if err != nil {
		return err
	}
	s.deps.Keyring.SetUserKey(userID, uk)
	return nil
}

func (s *userAPIStrategy) setPrivateKey(ctx context.Context, resp *identity.TokenResponse, userID uuid.UUID) error {
	return s.setPrivateKeyFromResponse(ctx, resp, userID)
}

func (s *userAPIStrategy) encryptionKeyMigrationRequired(resp *identity.TokenResponse) bool {
	return resp.Key == ""
}
