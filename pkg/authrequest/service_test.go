package authrequest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
)

func newTestService() (*Service, *keys.Keyring) {
	keyring := keys.NewKeyring()
	return NewService(sessionstore.NewMemoryStore(), keys.NewCryptoService(), keyring, nil), keyring
}

func TestAdminAuthRequestStorage(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	userID := uuid.New()

	got, err := svc.AdminAuthRequest(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)

	req := PendingRequest{ID: "req-1", PrivateKeyDER: []byte{1, 2, 3}}
	require.NoError(t, svc.SetAdminAuthRequest(ctx, userID, req))

	got, err = svc.AdminAuthRequest(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req, *got)

	require.NoError(t, svc.ClearAdminAuthRequest(ctx, userID))
	got, err = svc.AdminAuthRequest(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPushNotificationIDStorage(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, ok, err := svc.PushNotificationID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.SetPushNotificationID(ctx, "push-connection-1"))
	id, ok, err := svc.PushNotificationID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "push-connection-1", id)
}

func TestSetUserKeyAfterApproval(t *testing.T) {
	svc, keyring := newTestService()
	ctx := context.Background()
	userID := uuid.New()

	uk, err := keys.GenerateUserKey()
	require.NoError(t, err)
	pair, err := keys.MakeKeyPair(uk)
	require.NoError(t, err)
	privDER, err := keys.DecryptWithKey(pair.WrappedPrivateKey, &uk.SymmetricKey)
	require.NoError(t, err)

	sealed, err := keys.EncryptWithPublicKey(uk.Key, pair.PublicKeyDER)
	require.NoError(t, err)

	resp := &identity.AuthRequestResponse{ID: "req-1", RequestApproved: true, Key: sealed.String()}
	require.NoError(t, svc.SetUserKeyAfterApproval(ctx, resp, privDER, userID))

	got := keyring.UserKey(userID)
	require.NotNil(t, got)
	assert.Equal(t, uk.Key, got.Key)
}

func TestSetKeysAfterApproval(t *testing.T) {
	svc, keyring := newTestService()
	ctx := context.Background()
	userID := uuid.New()

	mk, err := keys.DeriveMasterKey("password", "user@example.com",
		keys.KdfConfig{Type: keys.KdfPBKDF2SHA256, Iterations: 5000})
	require.NoError(t, err)
	localHash, err := keys.HashMasterKey("password", mk, keys.PurposeLocalAuthorization)
	require.NoError(t, err)

	uk, err := keys.GenerateUserKey()
	require.NoError(t, err)
	stretched, err := keys.StretchKey(&mk.SymmetricKey)
	require.NoError(t, err)
	wrapped, err := keys.EncryptWithKey(uk.Key, stretched)
	require.NoError(t, err)
	keyring.SetMasterKeyEncryptedUserKey(userID, wrapped)

	// The requester's key pair seals the shared master key and hash.
	requesterUK, err := keys.GenerateUserKey()
	require.NoError(t, err)
	pair, err := keys.MakeKeyPair(requesterUK)
	require.NoError(t, err)
	privDER, err := keys.DecryptWithKey(pair.WrappedPrivateKey, &requesterUK.SymmetricKey)
	require.NoError(t, err)

	sealedMK, err := keys.EncryptWithPublicKey(mk.Key, pair.PublicKeyDER)
	require.NoError(t, err)
	sealedHash, err := keys.EncryptWithPublicKey([]byte(localHash), pair.PublicKeyDER)
	require.NoError(t, err)

	resp := &identity.AuthRequestResponse{
		ID:                 "req-1",
		RequestApproved:    true,
		Key:                sealedMK.String(),
		MasterPasswordHash: sealedHash.String(),
	}
	require.NoError(t, svc.SetKeysAfterApproval(ctx, resp, privDER, userID))

	require.NotNil(t, keyring.MasterKey(userID))
	assert.Equal(t, mk.Key, keyring.MasterKey(userID).Key)
	assert.Equal(t, localHash, keyring.MasterKeyHash(userID))
	require.NotNil(t, keyring.UserKey(userID))
	assert.Equal(t, uk.Key, keyring.UserKey(userID).Key)
}
