package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatchd/internal/apperrors"
)

type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (g *HTTPGateway) Send(ctx context.Context, channelID, phone, content string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phone,
		Message:     content,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/channels/%s/messages", g.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// Transport failures and timeouts are always worth retrying.
		return "", &apperrors.GatewayError{Body: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &apperrors.GatewayError{
			Code:      resp.StatusCode,
			Body:      string(body),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

// UpdateSettings first tries POST; some gateway deployments only accept PUT
// on this endpoint and answer 405, so it falls back transparently.
func (g *HTTPGateway) UpdateSettings(ctx context.Context, channelID string, settings map[string]any) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/channels/%s/settings", g.baseURL, channelID)

	status, respBody, err := g.doSettings(ctx, http.MethodPost, url, body)
	if err != nil {
		return &apperrors.GatewayError{Body: err.Error(), Retryable: true}
	}
	if status == http.StatusMethodNotAllowed {
		status, respBody, err = g.doSettings(ctx, http.MethodPut, url, body)
		if err != nil {
			return &apperrors.GatewayError{Body: err.Error(), Retryable: true}
		}
	}

	if status < 200 || status > 299 {
		return &apperrors.GatewayError{
			Code:      status,
			Body:      string(respBody),
			Retryable: retryableStatus(status),
		}
	}
	return nil
}

func (g *HTTPGateway) doSettings(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

// retryableStatus mirrors the engine's failure taxonomy: timeouts, rate
// limiting and server errors are transient; every other 4xx means the
// gateway permanently rejected this request.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
