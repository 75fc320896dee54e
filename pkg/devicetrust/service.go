package devicetrust

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
)

const (
	keyDeviceIdentifier = "devicetrust:identifier"
	keyDeviceKeyPrefix  = "devicetrust:device-key:"
	keyShouldTrust      = "devicetrust:should-trust:"
)

// TrustRequest is the key material uploaded when a device is trusted.
type TrustRequest struct {
	EncryptedUserKey    string `json:"encryptedUserKey"`
	EncryptedPublicKey  string `json:"encryptedPublicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
}

// TrustAPI is the server surface for device-trust bookkeeping.
type TrustAPI interface {
	UpdateTrust(ctx context.Context, deviceIdentifier string, req TrustRequest) error
	// RecordTrustLoss tells the server this device holds a key but received
	// no decryption envelopes for it.
	RecordTrustLoss(ctx context.Context, deviceIdentifier string) error
}

// Service manages the local device key and device-trust establishment.
type Service struct {
	sessions sessionstore.Store
	keyring  *keys.Keyring
	crypto   keys.Service
	api      TrustAPI
	logger   *slog.Logger
}

func NewService(sessions sessionstore.Store, keyring *keys.Keyring, crypto keys.Service, api TrustAPI, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, keyring: keyring, crypto: crypto, api: api, logger: logger}
}

// DeviceIdentifier returns the stable identifier for this installation,
// creating one on first use.
func (s *Service) DeviceIdentifier(ctx context.Context) (string, error) {
	id, ok, err := s.sessions.Get(ctx, keyDeviceIdentifier)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.sessions.Set(ctx, keyDeviceIdentifier, id); err != nil {
		return "", err
	}
	return id, nil
}

// DeviceKey returns the locally stored device key for an account, or nil
// when the device has never been trusted.
func (s *Service) DeviceKey(ctx context.Context, userID uuid.UUID) (*keys.SymmetricKey, error) {
	raw, ok, err := s.sessions.Get(ctx, keyDeviceKeyPrefix+userID.String())
	if err != nil || !ok {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt device key: %w", err)
	}
	return keys.NewSymmetricKey(decoded)
}

func (s *Service) SetDeviceKey(ctx context.Context, userID uuid.UUID, key *keys.SymmetricKey) error {
	return s.sessions.Set(ctx, keyDeviceKeyPrefix+userID.String(), base64.StdEncoding.EncodeToString(key.Key))
}

// DecryptUserKeyWithDeviceKey opens the trusted-device envelopes: the
// device key unwraps the device private key, which unwraps the user key.
func (s *Service) DecryptUserKeyWithDeviceKey(ctx context.Context, userID uuid.UUID,
	encDevicePrivateKey, encUserKey *keys.EncString, deviceKey *keys.SymmetricKey) (*keys.UserKey, error) {

	privDER, err := keys.DecryptWithKey(encDevicePrivateKey, deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap device private key: %w", err)
	}
	uk, err := s.crypto.DecryptUserKeyWithPrivateKey(encUserKey, privDER)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap user key with device key: %w", err)
	}
	return uk, nil
}

// SetShouldTrustDevice records the user's "remember this device" choice
// made before authentication completed.
func (s *Service) SetShouldTrustDevice(ctx context.Context, userID uuid.UUID, should bool) error {
	if !should {
		return s.sessions.Delete(ctx, keyShouldTrust+userID.String())
	}
	return s.sessions.Set(ctx, keyShouldTrust+userID.String(), "1")
}

func (s *Service) ShouldTrustDevice(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, ok, err := s.sessions.Get(ctx, keyShouldTrust+userID.String())
	return ok, err
}

// EstablishTrustIfRequired trusts the current device when the user asked
// for it: a fresh device key is minted, a device key pair is wrapped with
// it, the user key is sealed to the device public key, and the envelopes
// are uploaded.
func (s *Service) EstablishTrustIfRequired(ctx context.Context, userID uuid.UUID) error {
	should, err := s.ShouldTrustDevice(ctx, userID)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}

	uk := s.keyring.UserKey(userID)
	if uk == nil {
		return fmt.Errorf("cannot trust device without a user key")
	}

	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate device key: %w", err)
	}
	deviceKey, err := keys.NewSymmetricKey(raw)
	if err != nil {
		return err
	}

	pair, err := s.crypto.MakeKeyPair(uk)
	if err != nil {
		return fmt.Errorf("failed to generate device key pair: %w", err)
	}
	sealedUserKey, err := keys.EncryptWithPublicKey(uk.Key, pair.PublicKeyDER)
	if err != nil {
		return err
	}
	wrappedPublic, err := keys.EncryptWithKey(pair.PublicKeyDER, &uk.SymmetricKey)
	if err != nil {
		return err
	}
	privDER, err := keys.DecryptWithKey(pair.WrappedPrivateKey, &uk.SymmetricKey)
	if err != nil {
		return err
	}
	wrappedPrivate, err := keys.EncryptWithKey(privDER, deviceKey)
	if err != nil {
		return err
	}

	identifier, err := s.DeviceIdentifier(ctx)
	if err != nil {
		return err
	}
	err = s.api.UpdateTrust(ctx, identifier, TrustRequest{
		EncryptedUserKey:    sealedUserKey.String(),
		EncryptedPublicKey:  wrappedPublic.String(),
		EncryptedPrivateKey: wrappedPrivate.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to upload device trust keys: %w", err)
	}

	if err := s.SetDeviceKey(ctx, userID, deviceKey); err != nil {
		return err
	}
	if err := s.SetShouldTrustDevice(ctx, userID, false); err != nil {
		return err
	}
	s.logger.Info("device trust established", "userID", userID, "device", identifier)
	return nil
}

// RecordTrustLoss reports that this device's trust material is unusable.
func (s *Service) RecordTrustLoss(ctx context.Context) error {
	identifier, err := s.DeviceIdentifier(ctx)
	if err != nil {
		return err
	}
	s.logger.Warn("recording device trust loss", "device", identifier)
	return s.api.RecordTrustLoss(ctx, identifier)
}
