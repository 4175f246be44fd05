package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"lavos-rpc/message"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL string // e.g. https://project.example.co
	APIKey  string // sent as apikey and as bearer token
	Schema  string // optional Content-Profile header
	Timeout time.Duration
	Client  *http.Client
}

// HTTPTransport calls database functions exposed by a REST gateway:
//
//	POST {BaseURL}/rest/v1/rpc/{operation}
//	body: JSON object of named parameters
//
// Error bodies of the form {"code","message","details","hint"} become ErrorInfo values
// carrying the gateway code.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	schema   string
	client   *http.Client
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1/rpc/",
		apiKey:   cfg.APIKey,
		schema:   cfg.Schema,
		client:   client,
	}
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (t *HTTPTransport) Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+url.PathEscape(operation), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("apikey", t.apiKey)
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if t.schema != "" {
		req.Header.Set("Content-Profile", t.schema)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: read body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		return json.RawMessage(data), nil
	}
	return nil, statusError(resp.StatusCode, resp.Status, data)
}

// statusError maps a non-2xx response to an ErrorInfo. Coded bodies keep their code;
// bare gateway failures are reported as network or timeout failures.
func statusError(code int, status string, body []byte) *message.ErrorInfo {
	var ge gatewayError
	if err := json.Unmarshal(body, &ge); err == nil && (ge.Code != "" || ge.Message != "") {
		msg := ge.Message
		if ge.Details != "" {
			msg += ": " + ge.Details
		}
		if ge.Hint != "" {
			msg += " (hint: " + ge.Hint + ")"
		}
		return message.NewError(ge.Code, msg)
	}

	switch code {
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return message.Errorf("gateway timeout: %s", status)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return message.Errorf("network: gateway unavailable: %s", status)
	}
	return message.Errorf("request failed: %s", status)
}
