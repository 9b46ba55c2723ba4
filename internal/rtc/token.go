package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fancall/backend/internal/call"
)

// TokenClient fetches short-lived room credentials from the platform API.
// Implements call.TokenClient.
type TokenClient struct {
	base   string
	auth   string
	client *http.Client
}

// NewTokenClient creates a client against the API base URL. auth is the
// agent's bearer token.
func NewTokenClient(base, auth string) *TokenClient {
	return &TokenClient{
		base:   base,
		auth:   auth,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch requests credentials. 401/403 responses classify as auth expiry,
// which is not retryable without re-entering the queue; everything else is a
// retryable connection failure.
func (c *TokenClient) Fetch(ctx context.Context, req call.TokenRequest) (*call.TokenGrant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, call.NewError(call.KindUnknown, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/rtc/token", bytes.NewReader(body))
	if err != nil {
		return nil, call.NewError(call.KindUnknown, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.auth)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, call.NewError(call.KindConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, call.Errorf(call.KindAuthExpired, "token request rejected with %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, call.Errorf(call.KindConnectionFailed, "token request returned %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    call.TokenGrant `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, call.NewError(call.KindConnectionFailed, err)
	}
	if !envelope.Success {
		return nil, call.NewError(call.KindConnectionFailed, fmt.Errorf("token request failed: %s", envelope.Error))
	}
	if envelope.Data.Token == "" || envelope.Data.URL == "" {
		return nil, call.Errorf(call.KindConnectionFailed, "token response missing fields")
	}
	return &envelope.Data, nil
}
