package keys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EncType identifies the envelope format of an EncString.
type EncType int

const (
	AesCbc256B64             EncType = 0
	AesCbc256HmacSha256B64   EncType = 2
	Rsa2048OaepSha256B64     EncType = 3
	Rsa2048OaepSha1B64       EncType = 4
	Rsa2048OaepSha256HmacB64 EncType = 5
	Rsa2048OaepSha1HmacB64   EncType = 6
)

var (
	ErrInvalidEncString = errors.New("invalid encrypted string")
	ErrMacMismatch      = errors.New("mac verification failed")
)

// EncString is a versioned encrypted payload of the form
// "<type>.<iv>|<data>|<mac>" (symmetric) or "<type>.<data>" (asymmetric).
type EncString struct {
	Type EncType
	IV   []byte
	Data []byte
	MAC  []byte
}

// ParseEncString parses the wire form of an encrypted string.
func ParseEncString(s string) (*EncString, error) {
	if s == "" {
		return nil, ErrInvalidEncString
	}
	header, body, found := strings.Cut(s, ".")
	if !found {
		return nil, ErrInvalidEncString
	}
	var t int
	if _, err := fmt.Sscanf(header, "%d", &t); err != nil {
		return nil, fmt.Errorf("%w: bad type header %q", ErrInvalidEncString, header)
	}
	es := &EncString{Type: EncType(t)}

	parts := strings.Split(body, "|")
	decode := func(p string) ([]byte, error) { return base64.StdEncoding.DecodeString(p) }

	var err error
	switch es.Type {
	case AesCbc256HmacSha256B64:
		if len(parts) != 3 {
			return nil, ErrInvalidEncString
		}
		if es.IV, err = decode(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
		if es.Data, err = decode(parts[1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
		if es.MAC, err = decode(parts[2]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
	case AesCbc256B64:
		if len(parts) != 2 {
			return nil, ErrInvalidEncString
		}
		if es.IV, err = decode(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
		if es.Data, err = decode(parts[1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
	case Rsa2048OaepSha256B64, Rsa2048OaepSha1B64, Rsa2048OaepSha256HmacB64, Rsa2048OaepSha1HmacB64:
		if len(parts) < 1 {
			return nil, ErrInvalidEncString
		}
		if es.Data, err = decode(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidEncString, t)
	}
	return es, nil
}

// String renders the wire form.
func (e *EncString) String() string {
	enc := base64.StdEncoding.EncodeToString
	switch e.Type {
	case AesCbc256HmacSha256B64:
		return fmt.Sprintf("%d.%s|%s|%s", e.Type, enc(e.IV), enc(e.Data), enc(e.MAC))
	case AesCbc256B64:
		return fmt.Sprintf("%d.%s|%s", e.Type, enc(e.IV), enc(e.Data))
	default:
		return fmt.Sprintf("%d.%s", e.Type, enc(e.Data))
	}
}

func (e EncString) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *EncString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEncString(s)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// EncryptWithKey seals data as an AES-256-CBC + HMAC-SHA256 envelope. The
// key must carry a MAC half (stretch 32-byte keys first).
func EncryptWithKey(data []byte, key *SymmetricKey) (*EncString, error) {
	if key == nil || len(key.EncKey) != 32 {
		return nil, errors.New("encryption key with a 32-byte enc half is required")
	}
	if len(key.MacKey) != 32 {
		return nil, errors.New("encryption key is missing its mac half")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(key.EncKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, key.MacKey)
	mac.Write(iv)
	mac.Write(ct)

	return &EncString{Type: AesCbc256HmacSha256B64, IV: iv, Data: ct, MAC: mac.Sum(nil)}, nil
}

// DecryptWithKey opens an AES-CBC envelope, verifying the MAC when present.
func DecryptWithKey(e *EncString, key *SymmetricKey) ([]byte, error) {
	if e == nil {
		return nil, ErrInvalidEncString
	}
	if key == nil || len(key.EncKey) != 32 {
		return nil, errors.New("decryption key with a 32-byte enc half is required")
	}

	switch e.Type {
	case AesCbc256HmacSha256B64:
		if len(key.MacKey) != 32 {
			return nil, errors.New("decryption key is missing its mac half")
		}
		mac := hmac.New(sha256.New, key.MacKey)
		mac.Write(e.IV)
		mac.Write(e.Data)
		if !hmac.Equal(mac.Sum(nil), e.MAC) {
			return nil, ErrMacMismatch
		}
	case AesCbc256B64:
		// Legacy unauthenticated envelope.
	default:
		return nil, fmt.Errorf("cannot decrypt enc type %d with a symmetric key", e.Type)
	}

	if len(e.IV) != aes.BlockSize || len(e.Data) == 0 || len(e.Data)%aes.BlockSize != 0 {
		return nil, ErrInvalidEncString
	}
	block, err := aes.NewCipher(key.EncKey)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(e.Data))
	cipher.NewCBCDecrypter(block, e.IV).CryptBlocks(pt, e.Data)
	return pkcs7Unpad(pt, aes.BlockSize)
}

// EncryptWithPublicKey seals data with RSA-OAEP(SHA-1) for a DER-encoded
// PKIX public key.
func EncryptWithPublicKey(data []byte, publicKeyDER []byte) (*EncString, error) {
	pub, err := ParseRSAPublicKey(publicKeyDER)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encryption failed: %w", err)
	}
	return &EncString{Type: Rsa2048OaepSha1B64, Data: ct}, nil
}

// DecryptWithPrivateKey opens an RSA-OAEP envelope with a DER-encoded PKCS#8
// private key.
func DecryptWithPrivateKey(e *EncString, privateKeyDER []byte) ([]byte, error) {
	if e == nil {
		return nil, ErrInvalidEncString
	}
	priv, err := ParseRSAPrivateKey(privateKeyDER)
	if err != nil {
		return nil, err
	}
	switch e.Type {
	case Rsa2048OaepSha1B64, Rsa2048OaepSha1HmacB64:
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, e.Data, nil)
	case Rsa2048OaepSha256B64, Rsa2048OaepSha256HmacB64:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, e.Data, nil)
	default:
		return nil, fmt.Errorf("cannot decrypt enc type %d with a private key", e.Type)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidEncString
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidEncString
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidEncString
		}
	}
	return data[:len(data)-n], nil
}

func base64Std(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
