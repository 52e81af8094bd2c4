package marketplace

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"webui-deployer/internal/config"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/models"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// APIError is returned for non-2xx gateway responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("marketplace returned status: %d", e.StatusCode)
	}
	return fmt.Sprintf("marketplace returned status %d: %s", e.StatusCode, e.Message)
}

// LogOptions selects which container log lines to fetch.
type LogOptions struct {
	Tail    int
	Startup bool
}

// ObserveFunc receives the outcome of every gateway call.
type ObserveFunc func(op string, d time.Duration, err error)

// Client talks to the marketplace gateway that fronts the vendor SDK.
// Requests are HMAC-signed with the wallet key; the key is never sent.
type Client struct {
	URL     string
	Network string
	Observe ObserveFunc

	key    []byte
	client *http.Client
	now    func() time.Time
	logger *logrus.Entry
}

func NewClient(cfg *config.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		URL:     strings.TrimRight(cfg.MarketplaceURL, "/"),
		Network: cfg.Network,
		key:     []byte(cfg.PrivateKey),
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: newrelic.NewRoundTripper(transport),
		},
		now:    time.Now,
		logger: logger.WithModule("marketplace"),
	}
}

// GetUserBalance returns the escrow balance held for token.
func (c *Client) GetUserBalance(ctx context.Context, token string) (*models.Balance, error) {
	var balance models.Balance
	err := c.do(ctx, "GetUserBalance", http.MethodGet, "/v1/escrow/balance", url.Values{"token": {token}}, nil,
		func(r io.Reader) error { return json.NewDecoder(r).Decode(&balance) })
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// CreateDeployment submits the deployment config and returns the resulting
// transaction, which carries the lease id on success.
func (c *Client) CreateDeployment(ctx context.Context, yamlConfig, providerProxyURL string) (*models.Transaction, error) {
	body := map[string]string{
		"icl":              yamlConfig,
		"providerProxyUrl": providerProxyURL,
	}

	var txn models.Transaction
	err := c.do(ctx, "CreateDeployment", http.MethodPost, "/v1/deployments", nil, body,
		func(r io.Reader) error { return json.NewDecoder(r).Decode(&txn) })
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetDeployment returns the provider's view of the deployment, including
// services and forwarded_ports.
func (c *Client) GetDeployment(ctx context.Context, leaseID, providerProxyURL string) (models.Payload, error) {
	return c.payload(ctx, "GetDeployment", "/v1/deployments/"+url.PathEscape(leaseID),
		url.Values{"providerProxyUrl": {providerProxyURL}})
}

func (c *Client) GetLeaseDetails(ctx context.Context, leaseID string) (models.Payload, error) {
	return c.payload(ctx, "GetLeaseDetails", "/v1/leases/"+url.PathEscape(leaseID), nil)
}

func (c *Client) GetLeaseStatus(ctx context.Context, leaseID string) (models.Payload, error) {
	return c.payload(ctx, "GetLeaseStatus", "/v1/leases/"+url.PathEscape(leaseID)+"/status", nil)
}

// GetDeploymentLogs returns container log lines. The gateway may answer with
// a bare array or an object holding a "logs" array.
func (c *Client) GetDeploymentLogs(ctx context.Context, leaseID, providerProxyURL string, opts LogOptions) ([]string, error) {
	query := url.Values{
		"providerProxyUrl": {providerProxyURL},
		"startup":          {strconv.FormatBool(opts.Startup)},
	}
	if opts.Tail > 0 {
		query.Set("tail", strconv.Itoa(opts.Tail))
	}

	var raw json.RawMessage
	err := c.do(ctx, "GetDeploymentLogs", http.MethodGet, "/v1/deployments/"+url.PathEscape(leaseID)+"/logs", query, nil,
		func(r io.Reader) error { return json.NewDecoder(r).Decode(&raw) })
	if err != nil {
		return nil, err
	}
	return decodeLogs(raw)
}

func (c *Client) payload(ctx context.Context, op, path string, query url.Values) (models.Payload, error) {
	var p models.Payload
	err := c.do(ctx, op, http.MethodGet, path, query, nil, func(r io.Reader) error {
		var err error
		p, err = models.DecodePayload(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body interface{}, decode func(io.Reader) error) (err error) {
	start := time.Now()
	defer func() {
		if c.Observe != nil {
			c.Observe(op, time.Since(start), err)
		}
	}()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	target := c.URL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, payload)

	c.logger.WithFields(logrus.Fields{"op": op, "path": path}).Debug("Calling marketplace gateway")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}

	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// sign sets X-Timestamp and an HMAC-SHA256 X-Signature over
// method, request URI, timestamp and body digest.
func (c *Client) sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("X-Network", c.Network)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", Signature(c.key, req.Method, req.URL.RequestURI(), ts, body))
}

// Signature computes the request signature the gateway verifies.
func Signature(key []byte, method, requestURI, timestamp string, body []byte) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(method + "\n" + requestURI + "\n" + timestamp + "\n" + hex.EncodeToString(digest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: logger.Redact(msg)}
}

func decodeLogs(raw json.RawMessage) ([]string, error) {
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines, nil
	}

	var wrapped struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unexpected logs format: %w", err)
	}
	return wrapped.Logs, nil
}
