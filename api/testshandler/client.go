package testshandler

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

// Client talks to the tests endpoints of a running service.
type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: http.DefaultClient}
}

func (c *Client) ListTests(ctx context.Context) ([]interfaces.Test, error) {
	var tests []interfaces.Test
	if err := c.do(ctx, http.MethodGet, "/api/tests", nil, &tests); err != nil {
		return nil, err
	}
	return tests, nil
}

func (c *Client) ListPublishedTests(ctx context.Context) ([]interfaces.Test, error) {
	var tests []interfaces.Test
	if err := c.do(ctx, http.MethodGet, "/api/tests/published", nil, &tests); err != nil {
		return nil, err
	}
	return tests, nil
}

func (c *Client) GetTest(ctx context.Context, id string) (*interfaces.Test, error) {
	var test interfaces.Test
	if err := c.do(ctx, http.MethodGet, "/api/tests/"+url.PathEscape(id), nil, &test); err != nil {
		return nil, err
	}
	return &test, nil
}

// SaveTest stores test and returns it as saved, with a generated id if it had none.
func (c *Client) SaveTest(ctx context.Context, test *interfaces.Test) (*interfaces.Test, error) {
	var resp api.TestResponse
	if err := c.do(ctx, http.MethodPost, "/api/tests", test, &resp); err != nil {
		return nil, err
	}
	return resp.Test, nil
}

func (c *Client) SubmitResult(ctx context.Context, testID string, result *interfaces.Result) (*interfaces.Result, error) {
	var resp api.ResultResponse
	if err := c.do(ctx, http.MethodPost, "/api/tests/"+url.PathEscape(testID)+"/results", result, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) ListResults(ctx context.Context, testID string) ([]interfaces.Result, error) {
	var results []interfaces.Result
	if err := c.do(ctx, http.MethodGet, "/api/tests/"+url.PathEscape(testID)+"/results", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request tests service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read tests service response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("tests service returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("tests service returned %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse tests service response: %w", err)
	}
	return nil
}
