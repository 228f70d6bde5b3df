package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/astronote-billing/internal/config"
)

// Credentials identify the merchant a call is made for. They are passed
// explicitly on every call instead of living in process-wide state.
type Credentials struct {
	Token string
	Shop  string
}

type Client struct {
	baseURL    string
	prefix     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BackendBaseURL, "/"),
		prefix:  config.NormalizeAPIPrefix(cfg.BackendAPIPrefix),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// APIError is a non-success answer from the backend. Code carries the
// backend's machine-readable error code when it sent one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error: status=%d code=%s msg=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error: status=%d msg=%s body=%s", e.Status, e.Message, e.Body)
}

// CodeOf extracts the backend error code from err, if any.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// envelope covers both `{success, data}` wrapped answers and the error shapes
// the backend uses (`{code, message}` or `{error: {code, message}}`).
type envelope struct {
	Success *bool           `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, query url.Values, payload any, out any) error {
	fullURL := c.baseURL + c.prefix + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if creds.Shop != "" {
		req.Header.Set("X-Shopify-Shop-Domain", creds.Shop)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(rawBody, &env)

	if resp.StatusCode >= 300 || (decodeErr == nil && env.Success != nil && !*env.Success) {
		apiErr := newAPIError(resp.StatusCode, env, rawBody)
		if c.log != nil {
			c.log.Warn("backend call failed", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	payloadBytes := rawBody
	if decodeErr == nil && hasValue(env.Data) {
		payloadBytes = env.Data
	}
	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, truncateBody(rawBody))
	}
	return nil
}

func newAPIError(status int, env envelope, rawBody []byte) *APIError {
	apiErr := &APIError{
		Status:  status,
		Code:    env.Code,
		Message: env.Message,
		Body:    truncateBody(rawBody),
	}
	if hasValue(env.Error) {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		var text string
		switch {
		case json.Unmarshal(env.Error, &nested) == nil:
			if apiErr.Code == "" {
				apiErr.Code = nested.Code
			}
			if apiErr.Message == "" {
				apiErr.Message = nested.Message
			}
		case json.Unmarshal(env.Error, &text) == nil:
			if apiErr.Message == "" {
				apiErr.Message = text
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
