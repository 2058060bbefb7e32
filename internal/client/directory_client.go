package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DirectoryHTTPClient implements service.DirectoryClient against the portal's
// staff directory service. The engine only ever asks three questions of the
// org chart: who manages a user, who holds a role, and a user's reporting
// chain up to N levels.
type DirectoryHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryHTTPClient creates a client for the directory service.
func NewDirectoryHTTPClient(baseURL string, timeout time.Duration) *DirectoryHTTPClient {
	return &DirectoryHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetManager returns the user's direct manager id, or "" when none is
// assigned.
func (c *DirectoryHTTPClient) GetManager(ctx context.Context, userID string) (string, error) {
	var out struct {
		ManagerID string `json:"manager_id"`
	}
	path := fmt.Sprintf("/api/v1/staff/%s/manager", url.PathEscape(userID))
	if err := c.get(ctx, path, &out); err != nil {
		return "", err
	}
	return out.ManagerID, nil
}

// GetUsersByRole returns the ids of active users holding a role code.
func (c *DirectoryHTTPClient) GetUsersByRole(ctx context.Context, roleCode string) ([]string, error) {
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	path := fmt.Sprintf("/api/v1/roles/%s/users?active=true", url.PathEscape(roleCode))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// GetManagerChain returns up to depth managers above the user, nearest first.
func (c *DirectoryHTTPClient) GetManagerChain(ctx context.Context, userID string, depth int) ([]string, error) {
	var out struct {
		ManagerIDs []string `json:"manager_ids"`
	}
	path := fmt.Sprintf("/api/v1/staff/%s/manager-chain?depth=%d", url.PathEscape(userID), depth)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.ManagerIDs, nil
}

func (c *DirectoryHTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}
