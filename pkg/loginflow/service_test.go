package loginflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

func TestPasswordLogInEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "hello@world.com"
	const password = "correct horse battery staple!"

	ak := makeAccountKeys(t, password, email)
	env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)

	svc := env.service()
	res, err := svc.LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: password})
	require.NoError(t, err)

	assert.Equal(t, userID, res.UserID)
	assert.True(t, res.Succeeded())
	assert.Equal(t, accounts.ResetNone, res.ForcePasswordReset)

	// Tokens stored exactly once.
	assert.Equal(t, 1, env.tokens.setTokensCalls)
	tokens, ok, err := env.tokens.GetTokens(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, "refresh-"+userID.String(), tokens.RefreshToken)

	// Full key material recovered.
	require.NotNil(t, env.keyring.MasterKey(userID))
	assert.Equal(t, ak.masterKey.Key, env.keyring.MasterKey(userID).Key)
	assert.Equal(t, ak.localHash, env.keyring.MasterKeyHash(userID))
	require.True(t, env.keyring.HasUserKey(userID))
	assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)
	assert.Equal(t, ak.pair.WrappedPrivateKey.String(), env.keyring.PrivateKey(userID))

	// Terminal outcome leaves no resumable session behind.
	_, ok = svc.CurrentMethod()
	assert.False(t, ok)
}

func TestLogInTwoFactorRequiredMutatesNothing(t *testing.T) {
	ctx := context.Background()

	creds := map[string]Credentials{
		"Password":    PasswordCredentials{Email: "user@example.com", MasterPassword: "password12345"},
		"Sso":         SsoCredentials{Code: "code", CodeVerifier: "verifier", RedirectURL: "https://localhost/sso", OrgID: "org"},
		"UserAPI":     UserAPICredentials{ClientID: "user.abc", ClientSecret: "secret"},
		"AuthRequest": AuthRequestCredentials{Email: "user@example.com", AccessCode: "access", AuthRequestID: uuid.NewString()},
		"WebAuthn":    WebAuthnCredentials{Token: "challenge", DeviceResponse: []byte(`{"id":"cred"}`)},
	}

	for name, c := range creds {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.identity.enqueue(twoFactorChallenge(), nil)

			svc := env.service()
			res, err := svc.LogIn(ctx, c)
			require.NoError(t, err)
			require.True(t, res.RequiresTwoFactor)
			assert.NotEmpty(t, res.TwoFactorProviders)

			_, ok, err := env.registry.ActiveAccount(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "no account may be registered on a challenge")
			assert.Zero(t, env.tokens.setTokensCalls, "no tokens may be stored on a challenge")

			method, ok := svc.CurrentMethod()
			require.True(t, ok)
			assert.Equal(t, c.Method(), method)
		})
	}
}

func TestLogInTwoFactorWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service()

	_, err := svc.LogInTwoFactor(context.Background(), TwoFactorInput{
		Provider: twofactor.ProviderAuthenticator,
		Token:    "123456",
	})
	assert.ErrorIs(t, err, ErrSessionTimedOut)
}

func TestSessionExpirationHonoredWithoutTimer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.identity.enqueue(twoFactorChallenge(), nil)
	svc := env.service()
	res, err := svc.LogIn(ctx, PasswordCredentials{Email: "user@example.com", MasterPassword: "password12345"})
	require.NoError(t, err)
	require.True(t, res.RequiresTwoFactor)

	// The cache entry exists, but the clock moves past the session TTL; the
	// persisted expiration must be enforced even though the in-process
	// timer never fired.
	env.now = env.now.Add(3 * time.Minute)
	_, err = svc.LogInTwoFactor(ctx, TwoFactorInput{Provider: twofactor.ProviderAuthenticator, Token: "123456"})
	assert.ErrorIs(t, err, ErrSessionTimedOut)

	// The stale session is gone for good.
	_, ok := svc.CurrentMethod()
	assert.False(t, ok)
}

func TestTwoFactorContinuationAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "user@example.com"
	const password = "password12345"

	env.identity.enqueue(twoFactorChallenge(), nil)
	first := env.service()
	res, err := first.LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: password})
	require.NoError(t, err)
	require.True(t, res.RequiresTwoFactor)

	// A fresh service over the same session store stands in for a restarted
	// process: the in-memory strategy and timer are gone, the blob is not.
	ak := makeAccountKeys(t, password, email)
	env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)
	second := env.service()
	res, err = second.LogInTwoFactor(ctx, TwoFactorInput{
		Provider: twofactor.ProviderAuthenticator,
		Token:    "123456",
		Remember: true,
	})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
	assert.True(t, env.keyring.HasUserKey(userID))

	// The replayed request carried the answer.
	last := env.identity.requests[len(env.identity.requests)-1]
	require.NotNil(t, last.TwoFactor())
	assert.Equal(t, "123456", last.TwoFactor().Token)
	assert.True(t, last.TwoFactor().Remember)
}

func TestAPIErrorKeepsChallengeResumable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "user@example.com"
	const password = "password12345"

	env.identity.enqueue(twoFactorChallenge(), nil)
	svc := env.service()
	_, err := svc.LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: password})
	require.NoError(t, err)

	// A transient server failure must not burn the session.
	env.identity.enqueue(nil, &identity.ErrorResponse{StatusCode: 400, Message: "invalid two-factor code"})
	_, err = svc.LogInTwoFactor(ctx, TwoFactorInput{Provider: twofactor.ProviderAuthenticator, Token: "000000"})
	var apiErr *identity.ErrorResponse
	require.ErrorAs(t, err, &apiErr)

	ak := makeAccountKeys(t, password, email)
	env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)
	res, err := svc.LogInTwoFactor(ctx, TwoFactorInput{Provider: twofactor.ProviderAuthenticator, Token: "123456"})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
}

func TestWeakPasswordForcesReset(t *testing.T) {
	enforced := &policy.MasterPasswordPolicyOptions{
		MinComplexity:  3,
		MinLength:      12,
		EnforceOnLogin: true,
	}
	const email = "user@example.com"
	const weakPassword = "weakpw" // fails both length and complexity

	t.Run("Immediately", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		userID := uuid.New()

		ak := makeAccountKeys(t, weakPassword, email)
		result := tokenSuccess(t, userID, email, ak)
		result.Token.MasterPasswordPolicy = enforced
		env.identity.enqueue(result, nil)

		res, err := env.service().LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: weakPassword})
		require.NoError(t, err)
		assert.Equal(t, accounts.ResetWeakMasterPassword, res.ForcePasswordReset)

		reason, err := env.registry.ForceResetReason(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, accounts.ResetWeakMasterPassword, reason)
	})

	t.Run("DeferredAcrossTwoFactor", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		userID := uuid.New()

		challenge := twoFactorChallenge()
		challenge.TwoFactor.MasterPasswordPolicy = enforced
		env.identity.enqueue(challenge, nil)

		svc := env.service()
		res, err := svc.LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: weakPassword})
		require.NoError(t, err)
		require.True(t, res.RequiresTwoFactor)
		// Nothing may be recorded against an unauthenticated user.
		assert.Equal(t, accounts.ResetNone, res.ForcePasswordReset)

		ak := makeAccountKeys(t, weakPassword, email)
		env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)
		res, err = svc.LogInTwoFactor(ctx, TwoFactorInput{Provider: twofactor.ProviderAuthenticator, Token: "123456"})
		require.NoError(t, err)
		assert.Equal(t, userID, res.UserID)
		assert.Equal(t, accounts.ResetWeakMasterPassword, res.ForcePasswordReset)
	})
}

func TestAuthRequestKeyRecoveryPaths(t *testing.T) {
	const email = "user@example.com"

	t.Run("UserKeyOnlySkipsTrust", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		userID := uuid.New()

		ak := makeAccountKeys(t, "password12345", email)
		require.NoError(t, env.deviceTrust.SetShouldTrustDevice(ctx, userID, true))
		env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)

		res, err := env.service().LogIn(ctx, AuthRequestCredentials{
			Email:         email,
			AccessCode:    "access-code",
			AuthRequestID: uuid.NewString(),
			UserKey:       ak.userKey,
		})
		require.NoError(t, err)
		assert.Equal(t, userID, res.UserID)

		assert.Nil(t, env.keyring.MasterKey(userID), "no master key may be set on the user-key path")
		require.True(t, env.keyring.HasUserKey(userID))
		assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)
		assert.Empty(t, env.trustAPI.updates, "trust establishment is reserved for the master-key path")
	})

	t.Run("MasterKeyAndHashEstablishTrust", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		userID := uuid.New()

		ak := makeAccountKeys(t, "password12345", email)
		require.NoError(t, env.deviceTrust.SetShouldTrustDevice(ctx, userID, true))
		env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)

		res, err := env.service().LogIn(ctx, AuthRequestCredentials{
			Email:         email,
			AccessCode:    "access-code",
			AuthRequestID: uuid.NewString(),
			MasterKey:     ak.masterKey,
			MasterKeyHash: ak.localHash,
		})
		require.NoError(t, err)
		assert.Equal(t, userID, res.UserID)

		require.NotNil(t, env.keyring.MasterKey(userID))
		assert.Equal(t, ak.localHash, env.keyring.MasterKeyHash(userID))
		require.True(t, env.keyring.HasUserKey(userID))
		assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)
		assert.Len(t, env.trustAPI.updates, 1, "trust establishment fires after the user key is set")
	})
}

func TestSsoTrustedDeviceMissingKeySoftFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "user@example.com"

	ak := makeAccountKeys(t, "password12345", email)
	deviceKeyRaw, err := keys.GenerateUserKey()
	require.NoError(t, err)
	privDER, err := keys.DecryptWithKey(ak.pair.WrappedPrivateKey, &ak.userKey.SymmetricKey)
	require.NoError(t, err)
	encPrivate, err := keys.EncryptWithKey(privDER, &deviceKeyRaw.SymmetricKey)
	require.NoError(t, err)
	encUserKey, err := keys.EncryptWithPublicKey(ak.userKey.Key, ak.pair.PublicKeyDER)
	require.NoError(t, err)

	result := tokenSuccess(t, userID, email, ak)
	result.Token.UserDecryptionOptions = &identity.UserDecryptionOptions{
		TrustedDeviceOption: &identity.TrustedDeviceOption{
			EncryptedPrivateKey: encPrivate,
			EncryptedUserKey:    encUserKey,
		},
	}
	env.identity.enqueue(result, nil)

	// No device key is stored locally: login must complete without a user
	// key and without an error.
	res, err := env.service().LogIn(ctx, SsoCredentials{
		Code:         "code",
		CodeVerifier: "verifier",
		RedirectURL:  "https://localhost/sso",
		OrgID:        "org",
	})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
	assert.False(t, env.keyring.HasUserKey(userID))
}

func TestSsoTrustedDeviceUnwrap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "user@example.com"

	ak := makeAccountKeys(t, "password12345", email)
	deviceKeyRaw, err := keys.GenerateUserKey()
	require.NoError(t, err)
	deviceKey := &deviceKeyRaw.SymmetricKey
	require.NoError(t, env.deviceTrust.SetDeviceKey(ctx, userID, deviceKey))

	privDER, err := keys.DecryptWithKey(ak.pair.WrappedPrivateKey, &ak.userKey.SymmetricKey)
	require.NoError(t, err)
	encPrivate, err := keys.EncryptWithKey(privDER, deviceKey)
	require.NoError(t, err)
	encUserKey, err := keys.EncryptWithPublicKey(ak.userKey.Key, ak.pair.PublicKeyDER)
	require.NoError(t, err)

	result := tokenSuccess(t, userID, email, ak)
	result.Token.UserDecryptionOptions = &identity.UserDecryptionOptions{
		TrustedDeviceOption: &identity.TrustedDeviceOption{
			EncryptedPrivateKey: encPrivate,
			EncryptedUserKey:    encUserKey,
		},
	}
	env.identity.enqueue(result, nil)

	res, err := env.service().LogIn(ctx, SsoCredentials{
		Code:         "code",
		CodeVerifier: "verifier",
		RedirectURL:  "https://localhost/sso",
		OrgID:        "org",
	})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
	require.True(t, env.keyring.HasUserKey(userID))
	assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)
}

func TestUserAPIKeyConnectorRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	ak := makeAccountKeys(t, "password12345", "api-user@example.com")
	env.keyConnector.masterKey = ak.masterKey

	result := tokenSuccess(t, userID, "api-user@example.com", ak)
	result.Token.ApiUseKeyConnector = true
	result.Token.KeyConnectorURL = "https://connector.example.com"
	env.identity.enqueue(result, nil)

	res, err := env.service().LogIn(ctx, UserAPICredentials{ClientID: "user.abc", ClientSecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)

	assert.Equal(t, []string{"https://connector.example.com"}, env.keyConnector.fetched)
	require.True(t, env.keyring.HasUserKey(userID))
	assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)

	clientID, clientSecret, ok, err := env.tokens.GetClientCredentials(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user.abc", clientID)
	assert.Equal(t, "secret", clientSecret)
}

func TestWebAuthnPrfRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	ak := makeAccountKeys(t, "password12345", "user@example.com")
	prfRaw, err := keys.GenerateUserKey()
	require.NoError(t, err)
	prfKey := &prfRaw.SymmetricKey

	privDER, err := keys.DecryptWithKey(ak.pair.WrappedPrivateKey, &ak.userKey.SymmetricKey)
	require.NoError(t, err)
	encPrivate, err := keys.EncryptWithKey(privDER, prfKey)
	require.NoError(t, err)
	encUserKey, err := keys.EncryptWithPublicKey(ak.userKey.Key, ak.pair.PublicKeyDER)
	require.NoError(t, err)

	result := tokenSuccess(t, userID, "user@example.com", ak)
	result.Token.UserDecryptionOptions = &identity.UserDecryptionOptions{
		WebAuthnPrfOption: &identity.WebAuthnPrfOption{
			EncryptedPrivateKey: encPrivate,
			EncryptedUserKey:    encUserKey,
		},
	}
	env.identity.enqueue(result, nil)

	res, err := env.service().LogIn(ctx, WebAuthnCredentials{
		Token:          "challenge",
		DeviceResponse: []byte(`{"id":"cred"}`),
		PrfKey:         prfKey,
	})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
	require.True(t, env.keyring.HasUserKey(userID))
	assert.Equal(t, ak.userKey.Key, env.keyring.UserKey(userID).Key)
}

func TestDerivedViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.identity.enqueue(twoFactorChallenge(), nil)
	svc := env.service()
	_, err := svc.LogIn(ctx, AuthRequestCredentials{
		Email:         "john.doe@example.com",
		AccessCode:    "access-code",
		AuthRequestID: uuid.NewString(),
	})
	require.NoError(t, err)

	method, ok := svc.CurrentMethod()
	require.True(t, ok)
	assert.Equal(t, MethodAuthRequest, method)
	assert.Equal(t, "john.doe@example.com", svc.Email())
	assert.Equal(t, "access-code", svc.AccessCode())
	assert.Equal(t, "h*****@world.com", svc.MaskedEmail())
}

func TestNewDeviceVerificationFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	const email = "hello@world.com"
	const password = "correct horse battery staple!"

	ak := makeAccountKeys(t, password, email)
	env.identity.enqueue(&identity.TokenResult{
		DeviceVerification: &identity.DeviceVerificationResponse{DeviceVerificationRequired: true},
	}, nil)
	env.identity.enqueue(tokenSuccess(t, userID, email, ak), nil)

	svc := env.service()
	res, err := svc.LogIn(ctx, PasswordCredentials{Email: email, MasterPassword: password})
	require.NoError(t, err)
	require.True(t, res.RequiresDeviceVerification)
	assert.False(t, res.Succeeded())

	// The challenge stays resumable while the user reads their email.
	method, ok := svc.CurrentMethod()
	require.True(t, ok)
	assert.Equal(t, MethodPassword, method)
	assert.Zero(t, env.tokens.setTokensCalls)

	res, err = svc.LogInNewDeviceVerification(ctx, "987654")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, userID, res.UserID)
	assert.True(t, env.keyring.HasUserKey(userID))

	// The replay carried the emailed code.
	require.Len(t, env.identity.requests, 2)
	assert.Equal(t, "987654", env.identity.requests[1].Values().Get("newDeviceOtp"))

	_, ok = svc.CurrentMethod()
	assert.False(t, ok, "a completed login leaves no session behind")
}

func TestCaptchaChallengeStaysResumable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.identity.enqueue(&identity.TokenResult{
		Captcha: &identity.CaptchaResponse{SiteKey: "site-key-123"},
	}, nil)

	svc := env.service()
	res, err := svc.LogIn(ctx, PasswordCredentials{Email: "user@example.com", MasterPassword: "password12345"})
	require.NoError(t, err)
	require.True(t, res.RequiresCaptcha)
	assert.Equal(t, "site-key-123", res.CaptchaSiteKey)
	assert.False(t, res.Succeeded())

	method, ok := svc.CurrentMethod()
	require.True(t, ok)
	assert.Equal(t, MethodPassword, method)
	assert.Zero(t, env.tokens.setTokensCalls, "no tokens may be stored on a challenge")
}
