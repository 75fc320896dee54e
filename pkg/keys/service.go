package keys

import (
	"context"
	"fmt"
)

// Service is the key-management surface consumed by the login engine.
type Service interface {
	DeriveMasterKey(ctx context.Context, password, email string, cfg KdfConfig) (*MasterKey, error)
	HashMasterKey(password string, mk *MasterKey, purpose HashPurpose) (string, error)
	DecryptUserKeyWithMasterKey(mk *MasterKey, wrapped *EncString) (*UserKey, error)
	MakeKeyPair(uk *UserKey) (*KeyPair, error)
	// DecryptUserKeyWithPrivateKey opens a public-key wrapped user key, used
	// by the WebAuthn PRF and auth-request recovery paths.
	DecryptUserKeyWithPrivateKey(wrapped *EncString, privateKeyDER []byte) (*UserKey, error)
}

// CryptoService is the default Service implementation.
type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

func (s *CryptoService) DeriveMasterKey(_ context.Context, password, email string, cfg KdfConfig) (*MasterKey, error) {
	return DeriveMasterKey(password, email, cfg)
}

func (s *CryptoService) HashMasterKey(password string, mk *MasterKey, purpose HashPurpose) (string, error) {
	return HashMasterKey(password, mk, purpose)
}

// DecryptUserKeyWithMasterKey stretches the master key and opens the wrapped
// user key. Legacy accounts stored the user key under the unstretched master
// key, so that form is tried second.
func (s *CryptoService) DecryptUserKeyWithMasterKey(mk *MasterKey, wrapped *EncString) (*UserKey, error) {
	if mk == nil {
		return nil, fmt.Errorf("master key is required")
	}
	if wrapped == nil {
		return nil, ErrInvalidEncString
	}

	stretched, err := StretchKey(&mk.SymmetricKey)
	if err != nil {
		return nil, err
	}
	raw, err := DecryptWithKey(wrapped, stretched)
	if err != nil && wrapped.Type == AesCbc256B64 {
		raw, err = DecryptWithKey(wrapped, &mk.SymmetricKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt user key: %w", err)
	}
	return NewUserKey(raw)
}

func (s *CryptoService) MakeKeyPair(uk *UserKey) (*KeyPair, error) {
	return MakeKeyPair(uk)
}

func (s *CryptoService) DecryptUserKeyWithPrivateKey(wrapped *EncString, privateKeyDER []byte) (*UserKey, error) {
	raw, err := DecryptWithPrivateKey(wrapped, privateKeyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt user key: %w", err)
	}
	return NewUserKey(raw)
}
