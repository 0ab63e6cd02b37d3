package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/refbot/moderator-backend/internal/models"
)

// HTTPVerifier calls the payment processor's verification endpoint. Network
// errors and 5xx responses are transient; a 4xx means the processor rejected
// the request itself and is not retried blindly.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVerifier{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Verifier = (*HTTPVerifier)(nil)

type verifyRequest struct {
	ExternalPaymentID *string `json:"external_payment_id"`
	Provider          *string `json:"provider"`
	Amount            int64   `json:"amount"`
	RequestKey        string  `json:"request_key"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, p *models.Payment, requestKey string) (bool, error) {
	body, err := json.Marshal(verifyRequest{
		ExternalPaymentID: p.ExternalID,
		Provider:          p.Provider,
		Amount:            p.Amount,
		RequestKey:        requestKey,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("%w: processor returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("processor rejected verification request: status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: invalid processor response: %v", ErrVerifierUnavailable, err)
	}
	return out.Valid, nil
}
