package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SymmetricKey is a raw symmetric key. A 64-byte key is split into an
// encryption half and a MAC half; a 32-byte key has no MAC half and is
// expected to be stretched before use in an authenticated envelope.
type SymmetricKey struct {
	Key    []byte
	EncKey []byte
	MacKey []byte
}

// MasterKey is a symmetric key derived from the user's master password.
type MasterKey struct {
	SymmetricKey
}

// UserKey is the symmetric key that protects vault contents.
type UserKey struct {
	SymmetricKey
}

// NewSymmetricKey builds a SymmetricKey from raw bytes, splitting the
// enc/MAC halves for 64-byte keys.
func NewSymmetricKey(key []byte) (*SymmetricKey, error) {
	k := &SymmetricKey{Key: key}
	switch len(key) {
	case 32:
		k.EncKey = key
	case 64:
		k.EncKey = key[:32]
		k.MacKey = key[32:]
	default:
		return nil, fmt.Errorf("unsupported symmetric key length: %d", len(key))
	}
	return k, nil
}

// NewMasterKey wraps raw bytes as a MasterKey.
func NewMasterKey(key []byte) (*MasterKey, error) {
	k, err := NewSymmetricKey(key)
	if err != nil {
		return nil, err
	}
	return &MasterKey{SymmetricKey: *k}, nil
}

// NewUserKey wraps raw bytes as a UserKey.
func NewUserKey(key []byte) (*UserKey, error) {
	k, err := NewSymmetricKey(key)
	if err != nil {
		return nil, err
	}
	return &UserKey{SymmetricKey: *k}, nil
}

// GenerateUserKey creates a random 64-byte user key.
func GenerateUserKey() (*UserKey, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate user key: %w", err)
	}
	return NewUserKey(b)
}

// ToBase64 returns the full key material encoded as standard base64.
func (k *SymmetricKey) ToBase64() string {
	return base64.StdEncoding.EncodeToString(k.Key)
}

type symmetricKeyJSON struct {
	KeyB64 string `json:"keyB64"`
}

// MarshalJSON serializes only the raw key bytes; the enc/MAC split is
// recomputed on deserialization.
func (k SymmetricKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(symmetricKeyJSON{KeyB64: base64.StdEncoding.EncodeToString(k.Key)})
}

func (k *SymmetricKey) UnmarshalJSON(data []byte) error {
	var j symmetricKeyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(j.KeyB64)
	if err != nil {
		return fmt.Errorf("invalid symmetric key encoding: %w", err)
	}
	parsed, err := NewSymmetricKey(raw)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
