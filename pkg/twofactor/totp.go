package twofactor

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GeneratePasscode computes the current six-digit TOTP answer for an
// authenticator secret. Used by clients that keep the authenticator seed
// locally instead of in a separate app.
func GeneratePasscode(secret string) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp passcode: %w", err)
	}
	return code, nil
}

// ValidatePasscode checks a six-digit TOTP answer against a secret.
func ValidatePasscode(passcode, secret string) bool {
	ok, err := totp.ValidateCustom(passcode, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
