package backuphandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/coaching-backup/api"
	"github.com/ruteri/coaching-backup/interfaces"
)

// Client talks to the backup endpoints of a running service.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  http.DefaultClient,
	}
}

// CreateBackup submits an arbitrary JSON document for backup.
func (c *Client) CreateBackup(ctx context.Context, body []byte) (*api.CreateBackupResponse, error) {
	return call[api.CreateBackupResponse](ctx, c, http.MethodPost, "/api/backup", body)
}

func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	return call[api.StatsResponse](ctx, c, http.MethodGet, "/api/backup/stats", nil)
}

func (c *Client) FolderInfo(ctx context.Context) (*api.FolderInfoResponse, error) {
	return call[api.FolderInfoResponse](ctx, c, http.MethodGet, "/api/backup/folder", nil)
}

func (c *Client) TestAuth(ctx context.Context) (*api.AuthResponse, error) {
	return call[api.AuthResponse](ctx, c, http.MethodGet, "/api/backup/auth", nil)
}

func (c *Client) ListBlobs(ctx context.Context) (*api.ListBlobsResponse, error) {
	return call[api.ListBlobsResponse](ctx, c, http.MethodGet, "/api/backup/tests", nil)
}

func (c *Client) SaveTestBlob(ctx context.Context, test *interfaces.Test) (*api.SaveBlobResponse, error) {
	body, err := json.Marshal(test)
	if err != nil {
		return nil, fmt.Errorf("could not encode test: %w", err)
	}
	return call[api.SaveBlobResponse](ctx, c, http.MethodPost, "/api/backup/tests", body)
}

func (c *Client) DeleteBlob(ctx context.Context, fileID string) (*api.SuccessResponse, error) {
	return call[api.SuccessResponse](ctx, c, http.MethodDelete, "/api/backup/tests/"+url.PathEscape(fileID), nil)
}

func (c *Client) Resume(ctx context.Context) (*api.SuccessResponse, error) {
	return call[api.SuccessResponse](ctx, c, http.MethodPost, "/api/backup/resume", nil)
}

func call[T any](ctx context.Context, c *Client, method, path string, body []byte) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request backup service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read backup service response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("backup service returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("backup service returned %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse backup service response: %w", err)
	}
	return nil
}
