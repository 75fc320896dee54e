package identity

import "fmt"

// ErrorResponse is a non-challenge error returned by the identity or API
// endpoints. The orchestrator treats these as retryable from the user's
// point of view and keeps session state alive for them.
type ErrorResponse struct {
	StatusCode     int
	Message        string
	CaptchaSiteKey string
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("identity request failed with status %d: %s", e.StatusCode, e.Message)
}

// errorBody mirrors the error payload shapes the identity endpoint emits.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"Message"`
	ErrorModel       *struct {
		Message string `json:"Message"`
	} `json:"ErrorModel"`
	SiteKey string `json:"HCaptcha_SiteKey"`
}

func (b *errorBody) message() string {
	if b.ErrorModel != nil && b.ErrorModel.Message != "" {
		return b.ErrorModel.Message
	}
	if b.Message != "" {
		return b.Message
	}
	if b.ErrorDescription != "" {
		return b.ErrorDescription
	}
	return b.Error
}
