package queuewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPCountFetcher reads the waiting count from the platform API. Used by
// the creator agent, which has no direct store access.
type HTTPCountFetcher struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPCountFetcher creates a fetcher against the API base URL. token is
// the agent's bearer token.
func NewHTTPCountFetcher(base, token string) *HTTPCountFetcher {
	return &HTTPCountFetcher{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Count implements CountFetcher.
func (f *HTTPCountFetcher) Count(ctx context.Context, creatorID string) (int, error) {
	url := fmt.Sprintf("%s/api/v1/queue/%s/count", f.base, creatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("queuewatch: count request returned %d", resp.StatusCode)
	}
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Count int `json:"count"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if !body.Success {
		return 0, fmt.Errorf("queuewatch: count request failed: %s", body.Error)
	}
	return body.Data.Count, nil
}
