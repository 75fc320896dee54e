package keyconnector

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keys"
)

// Service is the Key Connector surface consumed by the login engine.
type Service interface {
	// SetMasterKeyFromURL fetches the user's master key from a Key
	// Connector instance and stores it in the keyring.
	SetMasterKeyFromURL(ctx context.Context, connectorURL string, userID uuid.UUID) error
	// ConvertNewUser provisions a brand-new Key Connector user: mints a
	// master key, uploads it, and builds the account's key material.
	ConvertNewUser(ctx context.Context, resp *identity.TokenResponse, orgID string, userID uuid.UUID) error
}

// Client is the HTTP Service implementation.
type Client struct {
	http     *http.Client
	crypto   keys.Service
	keyring  *keys.Keyring
	registry accounts.Registry
	identity identity.Client
	logger   *slog.Logger
}

func NewClient(crypto keys.Service, keyring *keys.Keyring, registry accounts.Registry, idClient identity.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     &http.Client{},
		crypto:   crypto,
		keyring:  keyring,
		registry: registry,
		identity: idClient,
		logger:   logger,
	}
}

type userKeyBody struct {
	Key string `json:"key"`
}

func (c *Client) SetMasterKeyFromURL(ctx context.Context, connectorURL string, userID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(connectorURL, "/")+"/user-keys", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("key connector unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key connector returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var body userKeyBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("malformed key connector response: %w", err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return fmt.Errorf("malformed key connector key: %w", err)
	}
	mk, err := keys.NewMasterKey(keyBytes)
	if err != nil {
		return err
	}

	c.keyring.SetMasterKey(userID, mk)
	if err := c.registry.SetUsesKeyConnector(ctx, userID, true); err != nil {
		return err
	}
	c.logger.Info("master key fetched from key connector", "userID", userID)
	return nil
}

func (c *Client) ConvertNewUser(ctx context.Context, resp *identity.TokenResponse, orgID string, userID uuid.UUID) error {
	connectorURL := resp.KeyConnectorAddress()
	if connectorURL == "" {
		return fmt.Errorf("token response carries no key connector url")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate master key: %w", err)
	}
	mk, err := keys.NewMasterKey(raw)
	if err != nil {
		return err
	}

	if err := c.postMasterKey(ctx, connectorURL, raw); err != nil {
		return err
	}

	// Build the account's key material under the new master key.
	uk, err := keys.GenerateUserKey()
	if err != nil {
		return err
	}
	stretched, err := keys.StretchKey(&mk.SymmetricKey)
	if err != nil {
		return err
	}
	wrapped, err := keys.EncryptWithKey(uk.Key, stretched)
	if err != nil {
		return err
	}
	pair, err := c.crypto.MakeKeyPair(uk)
	if err != nil {
		return err
	}

	c.keyring.SetMasterKey(userID, mk)
	c.keyring.SetMasterKeyEncryptedUserKey(userID, wrapped)
	c.keyring.SetUserKey(userID, uk)
	c.keyring.SetPrivateKey(userID, pair.WrappedPrivateKey.String())

	err = c.identity.PostAccountKeys(ctx,
		base64.StdEncoding.EncodeToString(pair.PublicKeyDER), pair.WrappedPrivateKey.String())
	if err != nil {
		return fmt.Errorf("failed to upload account keys: %w", err)
	}
	if err := c.registry.SetUsesKeyConnector(ctx, userID, true); err != nil {
		return err
	}
	c.logger.Info("provisioned new key connector user", "userID", userID, "orgID", orgID)
	return nil
}

func (c *Client) postMasterKey(ctx context.Context, connectorURL string, key []byte) error {
	payload, err := json.Marshal(userKeyBody{Key: base64.StdEncoding.EncodeToString(key)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(connectorURL, "/")+"/user-keys", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("key connector unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("key connector returned status %d", resp.StatusCode)
	}
	return nil
}
