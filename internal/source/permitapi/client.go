package permitapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rupak1811/permiso/internal/source"
)

// Client is a thin HTTP client for the permit API's JSON endpoints.
// It handles Bearer authentication, JSON marshaling, and retry with
// exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	maxRetries int
}

// ErrorResponse is the error body returned by the permit API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient creates a new HTTP client rooted at baseURL. token is
// consulted on every request so the client always presents the
// credential currently held by the session; it may be nil.
func NewClient(baseURL string, token func() string) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(ctx context.Context, path string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, "", nil, result)
}

// do builds the request, handles auth, rate limiting with exponential
// backoff, and JSON (de)serialization. A non-empty bearer overrides
// the token function.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	bearer string,
	body interface{},
	result interface{},
) error {
	url := c.baseURL + path

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	if bearer == "" {
		bearer = c.token()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &source.AuthError{
				Operation: method + " " + path,
				Message:   errorMessage(resp.StatusCode, respBody),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf(
				"permit API error on %s %s: %s",
				method, path, errorMessage(resp.StatusCode, respBody),
			)
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}

		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// errorMessage extracts a readable message from an error body.
func errorMessage(status int, body []byte) string {
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Message != "" {
			return fmt.Sprintf("%d %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("%d %s", status, apiErr.Error)
		}
	}
	return fmt.Sprintf("%d %s", status, strings.TrimSpace(string(body)))
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
