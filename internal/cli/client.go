package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"webui-deployer/internal/models"
)

// Client calls the deployer's own HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			// Creating a deployment waits on several marketplace calls.
			Timeout: 2 * time.Minute,
		},
	}
}

// DeployResult mirrors the create-deployment response. Marketplace objects
// stay generic.
type DeployResult struct {
	Deployment  models.Deployment      `json:"deployment"`
	Transaction map[string]interface{} `json:"transaction"`
	Details     map[string]interface{} `json:"details"`
	Lease       map[string]interface{} `json:"lease"`
}

// APIError carries the message of a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Balance(ctx context.Context) (*models.Balance, error) {
	var b models.Balance
	if err := c.do(ctx, http.MethodGet, "/api/balance", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Deploy(ctx context.Context, name, yamlConfig string) (*DeployResult, error) {
	in := models.InsertDeployment{Name: name, YAMLConfig: yamlConfig}
	var res DeployResult
	if err := c.do(ctx, http.MethodPost, "/api/deployments", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) List(ctx context.Context, limit int) ([]models.Deployment, error) {
	path := "/api/deployments"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []models.Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id int64) (*models.Deployment, error) {
	var d models.Deployment
	if err := c.do(ctx, http.MethodGet, "/api/deployments/"+strconv.FormatInt(id, 10), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Probe(ctx context.Context, id int64) (*models.ProbeResponse, error) {
	var p models.ProbeResponse
	if err := c.do(ctx, http.MethodGet, "/api/deployments/"+strconv.FormatInt(id, 10)+"/probe", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
