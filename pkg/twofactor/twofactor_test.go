package twofactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "a*b@example.com", MaskEmail("ab@example.com"))
	assert.Equal(t, "j***n@example.com", MaskEmail("john@example.com"))
	assert.Equal(t, "not-an-email", MaskEmail("not-an-email"))
}

func TestState(t *testing.T) {
	s := NewState()

	t.Run("EmptyState", func(t *testing.T) {
		_, ok := s.DefaultProvider()
		assert.False(t, ok)
		_, ok = s.Selected()
		assert.False(t, ok)
	})

	s.SetProviders(map[string]map[string]any{
		"0": nil,
		"1": {"Email": "j***n@example.com"},
	})

	t.Run("DefaultPrefersAuthenticator", func(t *testing.T) {
		p, ok := s.DefaultProvider()
		require.True(t, ok)
		assert.Equal(t, ProviderAuthenticator, p)
	})

	t.Run("MaskedEmail", func(t *testing.T) {
		assert.Equal(t, "j***n@example.com", s.MaskedEmail())
	})

	t.Run("SelectAndClear", func(t *testing.T) {
		s.SetSelected(ProviderEmail)
		p, ok := s.Selected()
		require.True(t, ok)
		assert.Equal(t, ProviderEmail, p)

		s.ClearSelected()
		_, ok = s.Selected()
		assert.False(t, ok)
	})

	t.Run("IgnoresUnparsableKeys", func(t *testing.T) {
		s.SetProviders(map[string]map[string]any{"bogus": nil, "7": nil})
		p, ok := s.DefaultProvider()
		require.True(t, ok)
		assert.Equal(t, ProviderWebAuthn, p)
	})
}

func TestPasscodeRoundTrip(t *testing.T) {
	// RFC 4648 base32 secret.
	secret := "JBSWY3DPEHPK3PXP"

	code, err := GeneratePasscode(secret)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.True(t, ValidatePasscode(code, secret))
	assert.False(t, ValidatePasscode("000000", secret))
}
