package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSMSEndpointRequired is returned by NewSMS without an endpoint.
var ErrSMSEndpointRequired = errors.New("gateway: sms endpoint is required")

// SMSConfig configures the HTTP SMS provider.
type SMSConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
	Timeout  time.Duration
}

// SMS posts messages as JSON to a provider endpoint.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
}

type smsRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// NewSMS uses client when non-nil, otherwise an http.Client with cfg.Timeout.
func NewSMS(cfg SMSConfig, client *http.Client) (*SMS, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrSMSEndpointRequired
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SMS{cfg: cfg, client: client}, nil
}

// Send maps 2xx to success, 429 and 5xx to transient failures and any other
// status to a permanent failure.
func (s *SMS) Send(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(smsRequest{From: s.cfg.Sender, To: to, Text: text})
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("gateway: sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("gateway: sms post: %w", err))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return Transient(fmt.Errorf("gateway: sms provider status %d: %s", code, bytes.TrimSpace(snippet)))
	default:
		return Permanent(fmt.Errorf("gateway: sms provider status %d: %s", code, bytes.TrimSpace(snippet)))
	}
}
