package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// KeyPair is a freshly generated account key pair: the public key as DER
// bytes and the private key wrapped with the user key.
type KeyPair struct {
	PublicKeyDER      []byte
	WrappedPrivateKey *EncString
}

// MakeKeyPair generates a 2048-bit RSA key pair and wraps the PKCS#8
// private key with the given user key.
func MakeKeyPair(uk *UserKey) (*KeyPair, error) {
	if uk == nil {
		return nil, fmt.Errorf("user key is required to protect a new key pair")
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	wrapped, err := EncryptWithKey(privDER, &uk.SymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}
	return &KeyPair{PublicKeyDER: pubDER, WrappedPrivateKey: wrapped}, nil
}

// ParseRSAPrivateKey decodes a DER-encoded PKCS#8 RSA private key.
func ParseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return priv, nil
}

// ParseRSAPublicKey decodes a DER-encoded PKIX RSA public key.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}
