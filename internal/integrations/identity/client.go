package identity

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

// ErrInvalidCredential is returned when the identity service rejects
// the presented bearer credential. It carries an InvalidCredential
// marker method so callers can detect it without importing this
// package.
var ErrInvalidCredential error = invalidCredentialError{}

type invalidCredentialError struct{}

func (invalidCredentialError) Error() string { return "identity: invalid credential" }

func (invalidCredentialError) InvalidCredential() bool { return true }

// Verifier resolves an opaque bearer credential to a stable user
// identifier. The conversation core trusts the returned identifier as
// the conversation owner.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID string `json:"userId"`
}

// Client verifies bearer credentials against an external identity
// service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the identity service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify posts the credential to the identity service's verify endpoint
// and returns the resolved user identifier. A 401 or 403 maps to
// ErrInvalidCredential; any other failure propagates as transient.
func (c *Client) Verify(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrInvalidCredential
	}

	body, err := json.Marshal(verifyRequest{Token: credential})
	if err != nil {
		return "", fmt.Errorf("identity: marshal request: %w", err)
	}

	url := c.baseURL + "/v1/verify"
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("identity: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return "", fmt.Errorf("identity: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", ErrInvalidCredential
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("identity: unexpected status %d from %s: %s", res.StatusCode, url, string(buf))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("identity: read response body: %w", err)
	}
	var parsed verifyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("identity: decode response: %w", err)
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return "", errors.New("identity: empty user id in response")
	}
	return parsed.UserID, nil
}
