package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// apiClient holds the HTTP plumbing shared by both forge flavors. Only the
// auth header prefix and a couple of endpoint shapes differ between them.
type apiClient struct {
	baseURL    string
	token      string
	authPrefix string // "Bearer " for GitHub, "token " for Forgejo
	httpClient *http.Client
}

func newAPIClient(baseURL, token, authPrefix string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		authPrefix: authPrefix,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues the request and decodes a 2xx JSON response into out (if non-nil).
// Non-2xx statuses come back classified for the retry policy.
func (c *apiClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return taskerr.Internal("forge.request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return taskerr.Internal("forge.request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.authPrefix+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return taskerr.Transient("forge.request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return taskerr.Transient("forge.request", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return taskerr.Collaborator("forge.request", "malformed response from "+endpoint, false, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return taskerr.Collaborator("forge.request", fmt.Sprintf("auth rejected (%d) for %s", resp.StatusCode, endpoint), false, nil)
	case resp.StatusCode == http.StatusNotFound:
		return taskerr.Input("forge.request", "not found: "+endpoint)
	case resp.StatusCode == http.StatusTooManyRequests:
		return taskerr.Collaborator("forge.request", "rate limited", true, nil)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Both hosts use 422 for "PR already exists" among other validation
		// failures; the caller's duplicate precheck makes the distinction rare.
		return taskerr.Input("forge.request", fmt.Sprintf("rejected (422): %.300s", data))
	case resp.StatusCode >= 500:
		return taskerr.Collaborator("forge.request", fmt.Sprintf("server error (%d)", resp.StatusCode), true, nil)
	default:
		return taskerr.Input("forge.request", fmt.Sprintf("unexpected status %d: %.300s", resp.StatusCode, data))
	}
}
