package devicetrust

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPTrustAPI talks to the real device-trust endpoints.
type HTTPTrustAPI struct {
	baseURL string
	http    *http.Client
}

func NewHTTPTrustAPI(baseURL string) *HTTPTrustAPI {
	return &HTTPTrustAPI{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

func (a *HTTPTrustAPI) UpdateTrust(ctx context.Context, deviceIdentifier string, req TrustRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPut,
		"/devices/"+url.PathEscape(deviceIdentifier)+"/keys", payload)
}

func (a *HTTPTrustAPI) RecordTrustLoss(ctx context.Context, deviceIdentifier string) error {
	payload, err := json.Marshal(map[string]string{"deviceIdentifier": deviceIdentifier})
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, "/devices/lost-trust", payload)
}

func (a *HTTPTrustAPI) do(ctx context.Context, method, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("device trust call failed with status %d", resp.StatusCode)
	}
	return nil
}

// NoopTrustAPI discards trust updates; useful in tests and offline demos.
type NoopTrustAPI struct{}

func (NoopTrustAPI) UpdateTrust(context.Context, string, TrustRequest) error { return nil }
func (NoopTrustAPI) RecordTrustLoss(context.Context, string) error           { return nil }
