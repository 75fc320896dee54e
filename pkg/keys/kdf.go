package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KdfType identifies the key derivation function configured for an account.
type KdfType int

const (
	KdfPBKDF2SHA256 KdfType = 0
	KdfArgon2id     KdfType = 1
)

// KdfConfig holds the parameters for deriving a master key from a password.
type KdfConfig struct {
	Type        KdfType `json:"kdfType"`
	Iterations  int     `json:"iterations"`
	Memory      int     `json:"memory,omitempty"`      // MiB, Argon2id only
	Parallelism int     `json:"parallelism,omitempty"` // Argon2id only
}

// DefaultKdfConfig returns the parameters used for accounts whose prelogin
// information is unavailable.
func DefaultKdfConfig() KdfConfig {
	return KdfConfig{Type: KdfPBKDF2SHA256, Iterations: 600000}
}

// HashPurpose selects the iteration count used when hashing a master key.
// The server hash is what authenticates the user; the local hash is kept
// client side for unlock verification and must never match the server one.
type HashPurpose int

const (
	PurposeServerAuthorization HashPurpose = 1
	PurposeLocalAuthorization  HashPurpose = 2
)

// DeriveMasterKey derives the master key from a password and the account
// email (used as salt, normalized to trimmed lowercase).
func DeriveMasterKey(password, email string, cfg KdfConfig) (*MasterKey, error) {
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	salt := []byte(strings.ToLower(strings.TrimSpace(email)))

	var raw []byte
	switch cfg.Type {
	case KdfPBKDF2SHA256:
		if cfg.Iterations < 1 {
			return nil, fmt.Errorf("invalid pbkdf2 iterations: %d", cfg.Iterations)
		}
		raw = pbkdf2.Key([]byte(password), salt, cfg.Iterations, 32, sha256.New)
	case KdfArgon2id:
		if cfg.Iterations < 1 || cfg.Memory < 1 || cfg.Parallelism < 1 {
			return nil, fmt.Errorf("invalid argon2id parameters: iterations=%d memory=%d parallelism=%d",
				cfg.Iterations, cfg.Memory, cfg.Parallelism)
		}
		// Argon2id salts on the digest of the email so short addresses still
		// meet the minimum salt length.
		sum := sha256.Sum256(salt)
		raw = argon2.IDKey([]byte(password), sum[:], uint32(cfg.Iterations),
			uint32(cfg.Memory)*1024, uint8(cfg.Parallelism), 32)
	default:
		return nil, fmt.Errorf("unsupported kdf type: %d", cfg.Type)
	}

	return NewMasterKey(raw)
}

// HashMasterKey produces the base64 password hash for the given purpose.
func HashMasterKey(password string, mk *MasterKey, purpose HashPurpose) (string, error) {
	if mk == nil {
		return "", errors.New("master key is required")
	}
	iterations := 1
	if purpose == PurposeLocalAuthorization {
		iterations = 2
	}
	hash := pbkdf2.Key(mk.Key, []byte(password), iterations, 32, sha256.New)
	return base64Std(hash), nil
}

// StretchKey expands a 32-byte key into a 64-byte enc+MAC key using HKDF.
func StretchKey(k *SymmetricKey) (*SymmetricKey, error) {
	if len(k.Key) != 32 {
		return nil, fmt.Errorf("cannot stretch key of length %d", len(k.Key))
	}
	encKey, err := hkdfExpand(k.Key, "enc", 32)
	if err != nil {
		return nil, err
	}
	macKey, err := hkdfExpand(k.Key, "mac", 32)
	if err != nil {
		return nil, err
	}
	return NewSymmetricKey(append(encKey, macKey...))
}

func hkdfExpand(prk []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.Expand(sha256.New, prk, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return out, nil
}
