package loginflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/authrequest"
	"github.com/keyhaven/keyhaven/pkg/devicetrust"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/policy"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
	"github.com/keyhaven/keyhaven/pkg/tokenstore"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

// testKdf keeps derivation cheap in tests.
var testKdf = keys.KdfConfig{Type: keys.KdfPBKDF2SHA256, Iterations: 5000}

type scriptedExchange struct {
	result *identity.TokenResult
	err    error
}

// fakeIdentity is a scripted identity client: each PostIdentityToken call
// consumes the next queued exchange.
type fakeIdentity struct {
	kdf          *keys.KdfConfig
	queue        []scriptedExchange
	requests     []identity.TokenRequest
	authRequests map[string]*identity.AuthRequestResponse
	postedKeys   int
}

func newFakeIdentity() *fakeIdentity {
	cfg := testKdf
	return &fakeIdentity{kdf: &cfg, authRequests: map[string]*identity.AuthRequestResponse{}}
}

func (f *fakeIdentity) enqueue(result *identity.TokenResult, err error) {
	f.queue = append(f.queue, scriptedExchange{result: result, err: err})
}

func (f *fakeIdentity) PostIdentityToken(_ context.Context, req identity.TokenRequest) (*identity.TokenResult, error) {
	f.requests = append(f.requests, req)
	if len(f.queue) == 0 {
		return nil, &identity.ErrorResponse{StatusCode: 500, Message: "no scripted exchange left"}
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.result, next.err
}

func (f *fakeIdentity) PostPrelogin(context.Context, string) (*keys.KdfConfig, error) {
	if f.kdf == nil {
		return nil, &identity.ErrorResponse{StatusCode: 404, Message: "unknown email"}
	}
	cfg := *f.kdf
	return &cfg, nil
}

func (f *fakeIdentity) GetAuthRequest(_ context.Context, id string) (*identity.AuthRequestResponse, error) {
	resp, ok := f.authRequests[id]
	if !ok {
		return nil, &identity.ErrorResponse{StatusCode: 404, Message: "auth request not found"}
	}
	return resp, nil
}

func (f *fakeIdentity) PostAccountKeys(context.Context, string, string) error {
	f.postedKeys++
	return nil
}

// countingTokenStore counts SetTokens calls on top of a real store.
type countingTokenStore struct {
	tokenstore.Store
	setTokensCalls int
}

func (c *countingTokenStore) SetTokens(ctx context.Context, userID uuid.UUID, tokens tokenstore.Tokens) error {
	c.setTokensCalls++
	return c.Store.SetTokens(ctx, userID, tokens)
}

// fakeKeyConnector deposits a preloaded master key into the keyring.
type fakeKeyConnector struct {
	keyring   *keys.Keyring
	masterKey *keys.MasterKey
	fetched   []string
	converted int
}

func (f *fakeKeyConnector) SetMasterKeyFromURL(_ context.Context, connectorURL string, userID uuid.UUID) error {
	f.fetched = append(f.fetched, connectorURL)
	if f.masterKey == nil {
		return fmt.Errorf("no master key loaded")
	}
	f.keyring.SetMasterKey(userID, f.masterKey)
	return nil
}

func (f *fakeKeyConnector) ConvertNewUser(context.Context, *identity.TokenResponse, string, uuid.UUID) error {
	f.converted++
	return nil
}

type recordingTrustAPI struct {
	updates   []devicetrust.TrustRequest
	trustLoss int
}

func (a *recordingTrustAPI) UpdateTrust(_ context.Context, _ string, req devicetrust.TrustRequest) error {
	a.updates = append(a.updates, req)
	return nil
}

func (a *recordingTrustAPI) RecordTrustLoss(context.Context, string) error {
	a.trustLoss++
	return nil
}

type testEnv struct {
	identity     *fakeIdentity
	keyring      *keys.Keyring
	registry     *accounts.MemoryRegistry
	tokens       *countingTokenStore
	sessions     sessionstore.Store
	trustAPI     *recordingTrustAPI
	deviceTrust  *devicetrust.Service
	keyConnector *fakeKeyConnector
	authRequests *authrequest.Service
	now          time.Time
	deps         Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		identity: newFakeIdentity(),
		keyring:  keys.NewKeyring(),
		registry: accounts.NewMemoryRegistry(nil),
		sessions: sessionstore.NewMemoryStore(),
		trustAPI: &recordingTrustAPI{},
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	env.tokens = &countingTokenStore{
		Store: tokenstore.NewMemoryStore(tokenstore.StaticTimeoutSettings{
			Action:   tokenstore.ActionLock,
			Duration: time.Hour,
		}),
	}
	crypto := keys.NewCryptoService()
	env.deviceTrust = devicetrust.NewService(env.sessions, env.keyring, crypto, env.trustAPI, nil)
	env.keyConnector = &fakeKeyConnector{keyring: env.keyring}
	env.authRequests = authrequest.NewService(env.sessions, crypto, env.keyring, nil)

	env.deps = Dependencies{
		Identity:     env.identity,
		Crypto:       crypto,
		Keyring:      env.keyring,
		Registry:     env.registry,
		Tokens:       env.tokens,
		Sessions:     env.sessions,
		TwoFactor:    twofactor.NewState(),
		Scorer:       policy.NewDefaultScorer(),
		DeviceTrust:  env.deviceTrust,
		KeyConnector: env.keyConnector,
		AuthRequests: env.authRequests,
		Device:       identity.DeviceRequest{Type: 10, Name: "unit-test-client"},
		Now:          func() time.Time { return env.now },
	}
	return env
}

func (e *testEnv) service() *Service {
	return NewService(e.deps)
}

func mintAccessToken(t *testing.T, userID uuid.UUID, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            userID.String(),
		"email":          email,
		"name":           "Test User",
		"email_verified": true,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("unit-test-secret"))
	require.NoError(t, err)
	return signed
}

// accountKeys is a fully provisioned account's key material.
type accountKeys struct {
	masterKey *keys.MasterKey
	localHash string
	userKey   *keys.UserKey
	wrapped   *keys.EncString
	pair      *keys.KeyPair
}

func makeAccountKeys(t *testing.T, password, email string) *accountKeys {
	t.Helper()
	mk, err := keys.DeriveMasterKey(password, email, testKdf)
	require.NoError(t, err)
	localHash, err := keys.HashMasterKey(password, mk, keys.PurposeLocalAuthorization)
	require.NoError(t, err)
	uk, err := keys.GenerateUserKey()
	require.NoError(t, err)
	stretched, err := keys.StretchKey(&mk.SymmetricKey)
	require.NoError(t, err)
	wrapped, err := keys.EncryptWithKey(uk.Key, stretched)
	require.NoError(t, err)
	pair, err := keys.MakeKeyPair(uk)
	require.NoError(t, err)
	return &accountKeys{masterKey: mk, localHash: localHash, userKey: uk, wrapped: wrapped, pair: pair}
}

func tokenSuccess(t *testing.T, userID uuid.UUID, email string, ak *accountKeys) *identity.TokenResult {
	t.Helper()
	resp := &identity.TokenResponse{
		AccessToken:  mintAccessToken(t, userID, email),
		RefreshToken: "refresh-" + userID.String(),
		ExpiresIn:    3600,
		TokenType:    "Bearer",
	}
	if ak != nil {
		resp.Key = ak.wrapped.String()
		resp.PrivateKey = ak.pair.WrappedPrivateKey.String()
	}
	return &identity.TokenResult{Token: resp}
}

func twoFactorChallenge() *identity.TokenResult {
	return &identity.TokenResult{
		TwoFactor: &identity.TwoFactorResponse{
			Providers: map[string]map[string]any{
				"0": {},
				"1": {"Email": "h*****@world.com"},
			},
		},
	}
}
