// This file contains the HTTP transport, which speaks to the presence
// server's /presence endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/appotry/discourse/presence"
)

const beaconTimeout = 2 * time.Second

// HTTPTransport implements Transport against a presence HTTP server.
type HTTPTransport struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// Header is attached to every request; the caller supplies
	// whatever authentication the server expects.
	Header http.Header
}

func (t *HTTPTransport) httpClient() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range t.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// State fetches a channel snapshot. A 404 maps to
// presence.ChannelNotFoundError.
func (t *HTTPTransport) State(ctx context.Context, channel string) (*presence.State, error) {
	path := "/presence/get?channel=" + url.QueryEscape(channel)

	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &presence.ChannelNotFoundError{Channel: channel}
	default:
		return nil, fmt.Errorf("client: presence state fetch returned %d", resp.StatusCode)
	}

	var state presence.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("client: malformed state response: %w", err)
	}
	return &state, nil
}

// Update applies a batched update. A 429 maps to
// presence.ErrRateLimited, a 401/403 to presence.ErrNotLoggedIn.
func (t *HTTPTransport) Update(ctx context.Context, updateReq UpdateRequest) (map[string]bool, error) {
	body, err := json.Marshal(updateReq)
	if err != nil {
		return nil, err
	}
	req, err := t.newRequest(ctx, http.MethodPost, "/presence/update", body)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, presence.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, presence.ErrNotLoggedIn
	default:
		return nil, fmt.Errorf("client: presence update returned %d", resp.StatusCode)
	}

	var result map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("client: malformed update response: %w", err)
	}
	return result, nil
}

// Beacon fires the unload notification and ignores the outcome.
func (t *HTTPTransport) Beacon(updateReq UpdateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)

	defer cancel()

	body, err := json.Marshal(updateReq)
	if err != nil {
		return
	}
	req, err := t.newRequest(ctx, http.MethodPost, "/presence/unload", body)
	if err != nil {
		return
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
