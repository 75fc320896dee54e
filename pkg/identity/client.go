package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyhaven/keyhaven/pkg/keys"
)

// Client is the identity/API surface consumed by the login engine.
type Client interface {
	// PostIdentityToken runs one round of the token exchange. Challenge
	// outcomes come back inside the TokenResult; transport and server
	// errors come back as *ErrorResponse.
	PostIdentityToken(ctx context.Context, req TokenRequest) (*TokenResult, error)
	// PostPrelogin fetches the KDF parameters for an email.
	PostPrelogin(ctx context.Context, email string) (*keys.KdfConfig, error)
	// GetAuthRequest reads the server-side state of an auth request.
	GetAuthRequest(ctx context.Context, id string) (*AuthRequestResponse, error)
	// PostAccountKeys uploads a freshly minted account key pair.
	PostAccountKeys(ctx context.Context, publicKeyB64, wrappedPrivateKey string) error
}

// HTTPClient talks to a real identity endpoint.
type HTTPClient struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   *slog.Logger
}

func NewHTTPClient(baseURL, clientID string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     &http.Client{},
		logger:   logger,
	}
}

func (c *HTTPClient) PostIdentityToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	form := req.Values()
	// API-key grants carry their own client id.
	if form.Get("client_id") == "" {
		form.Set("client_id", c.clientID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ErrorResponse{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrorResponse{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	return decodeTokenResult(resp.StatusCode, body)
}

// decodeTokenResult maps an identity endpoint reply onto the response
// union. The endpoint signals challenges as HTTP 400s with recognizable
// bodies.
func decodeTokenResult(status int, body []byte) (*TokenResult, error) {
	if status == http.StatusOK {
		var token TokenResponse
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, &ErrorResponse{StatusCode: status, Message: fmt.Sprintf("malformed token response: %v", err)}
		}
		return &TokenResult{Token: &token}, nil
	}

	var probe struct {
		TwoFactorProviders2        map[string]map[string]any `json:"TwoFactorProviders2"`
		DeviceVerificationRequired bool                      `json:"DeviceVerificationRequired"`
		SiteKey                    string                    `json:"HCaptcha_SiteKey"`
	}
	// Challenge probing is best effort; an undecodable body falls through
	// to the plain error path.
	_ = json.Unmarshal(body, &probe)

	if status == http.StatusBadRequest {
		switch {
		case probe.TwoFactorProviders2 != nil:
			var tf TwoFactorResponse
			if err := json.Unmarshal(body, &tf); err != nil {
				return nil, &ErrorResponse{StatusCode: status, Message: fmt.Sprintf("malformed two-factor response: %v", err)}
			}
			return &TokenResult{TwoFactor: &tf}, nil
		case probe.DeviceVerificationRequired:
			return &TokenResult{DeviceVerification: &DeviceVerificationResponse{DeviceVerificationRequired: true}}, nil
		case probe.SiteKey != "":
			return &TokenResult{Captcha: &CaptchaResponse{SiteKey: probe.SiteKey}}, nil
		}
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	return nil, &ErrorResponse{StatusCode: status, Message: eb.message(), CaptchaSiteKey: eb.SiteKey}
}

func (c *HTTPClient) PostPrelogin(ctx context.Context, email string) (*keys.KdfConfig, error) {
	payload, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return nil, err
	}

	var out struct {
		Kdf            keys.KdfType `json:"kdf"`
		KdfIterations  int          `json:"kdfIterations"`
		KdfMemory      int          `json:"kdfMemory"`
		KdfParallelism int          `json:"kdfParallelism"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/accounts/prelogin", payload, &out); err != nil {
		return nil, err
	}
	return &keys.KdfConfig{
		Type:        out.Kdf,
		Iterations:  out.KdfIterations,
		Memory:      out.KdfMemory,
		Parallelism: out.KdfParallelism,
	}, nil
}

func (c *HTTPClient) GetAuthRequest(ctx context.Context, id string) (*AuthRequestResponse, error) {
	var out AuthRequestResponse
	if err := c.doJSON(ctx, http.MethodGet, "/auth-requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) PostAccountKeys(ctx context.Context, publicKeyB64, wrappedPrivateKey string) error {
	payload, err := json.Marshal(map[string]string{
		"publicKey":           publicKeyB64,
		"encryptedPrivateKey": wrappedPrivateKey,
	})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/accounts/keys", payload, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ErrorResponse{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ErrorResponse{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		c.logger.Debug("identity call failed", "method", method, "path", path, "status", resp.StatusCode)
		return &ErrorResponse{StatusCode: resp.StatusCode, Message: eb.message()}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ErrorResponse{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}
