package authrequest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
)

const keyAdminRequestPrefix = "authrequest:admin:"

// PendingRequest is an outstanding admin-approval auth request: its server
// id and the requester's private key that can open the approved envelopes.
type PendingRequest struct {
	ID            string `json:"id"`
	PrivateKeyDER []byte `json:"privateKey"`
}

// Service stores pending admin auth requests and consumes approved ones.
type Service struct {
	sessions sessionstore.Store
	crypto   keys.Service
	keyring  *keys.Keyring
	logger   *slog.Logger
}

func NewService(sessions sessionstore.Store, crypto keys.Service, keyring *keys.Keyring, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, crypto: crypto, keyring: keyring, logger: logger}
}

func (s *Service) SetAdminAuthRequest(ctx context.Context, userID uuid.UUID, req PendingRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.sessions.Set(ctx, keyAdminRequestPrefix+userID.String(), string(raw))
}

// AdminAuthRequest returns the stored pending request, or nil when none
// exists.
func (s *Service) AdminAuthRequest(ctx context.Context, userID uuid.UUID) (*PendingRequest, error) {
	raw, ok, err := s.sessions.Get(ctx, keyAdminRequestPrefix+userID.String())
	if err != nil || !ok {
		return nil, err
	}
	var req PendingRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("corrupt pending auth request: %w", err)
	}
	return &req, nil
}

func (s *Service) ClearAdminAuthRequest(ctx context.Context, userID uuid.UUID) error {
	return s.sessions.Delete(ctx, keyAdminRequestPrefix+userID.String())
}

// SetKeysAfterApproval handles the approved envelope shape used when the
// approver holds a master password: the response key is the sealed master
// key and MasterPasswordHash is the sealed local hash. The user key is
// then recovered from the stored master-key-wrapped user key.
func (s *Service) SetKeysAfterApproval(ctx context.Context, resp *identity.AuthRequestResponse, privateKeyDER []byte, userID uuid.UUID) error {
	sealedKey, err := keys.ParseEncString(resp.Key)
	if err != nil {
		return fmt.Errorf("malformed approved key envelope: %w", err)
	}
	mkBytes, err := keys.DecryptWithPrivateKey(sealedKey, privateKeyDER)
	if err != nil {
		return fmt.Errorf("failed to open approved master key: %w", err)
	}
	mk, err := keys.NewMasterKey(mkBytes)
	if err != nil {
		return err
	}

	sealedHash, err := keys.ParseEncString(resp.MasterPasswordHash)
	if err != nil {
		return fmt.Errorf("malformed approved hash envelope: %w", err)
	}
	hashBytes, err := keys.DecryptWithPrivateKey(sealedHash, privateKeyDER)
	if err != nil {
		return fmt.Errorf("failed to open approved master key hash: %w", err)
	}

	s.keyring.SetMasterKey(userID, mk)
	s.keyring.SetMasterKeyHash(userID, string(hashBytes))

	wrapped := s.keyring.MasterKeyEncryptedUserKey(userID)
	if wrapped == nil {
		s.logger.Warn("approved master key set but no wrapped user key is available", "userID", userID)
		return nil
	}
	uk, err := s.crypto.DecryptUserKeyWithMasterKey(mk, wrapped)
	if err != nil {
		return fmt.Errorf("failed to decrypt user key with approved master key: %w", err)
	}
	s.keyring.SetUserKey(userID, uk)
	return nil
}

// SetUserKeyAfterApproval handles the envelope shape used when no master
// password exists: the response key is the sealed user key itself.
func (s *Service) SetUserKeyAfterApproval(ctx context.Context, resp *identity.AuthRequestResponse, privateKeyDER []byte, userID uuid.UUID) error {
	sealed, err := keys.ParseEncString(resp.Key)
	if err != nil {
		return fmt.Errorf("malformed approved key envelope: %w", err)
	}
	uk, err := s.crypto.DecryptUserKeyWithPrivateKey(sealed, privateKeyDER)
	if err != nil {
		return fmt.Errorf("failed to open approved user key: %w", err)
	}
	s.keyring.SetUserKey(userID, uk)
	return nil
}

// SetPushNotificationID records the cross-instance push id used to wake a
// waiting client when its auth request is approved. The push transport
// itself lives outside this module: the hosting client registers its
// listener, stores the id here before posting the auth request, and reads
// it back when the approval notification arrives.
func (s *Service) SetPushNotificationID(ctx context.Context, id string) error {
	return s.sessions.Set(ctx, sessionstore.KeyAuthRequestPushID, id)
}

func (s *Service) PushNotificationID(ctx context.Context) (string, bool, error) {
	return s.sessions.Get(ctx, sessionstore.KeyAuthRequestPushID)
}
