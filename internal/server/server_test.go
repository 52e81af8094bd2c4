package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"webui-deployer/internal/config"
	"webui-deployer/internal/database"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/marketplace"
	"webui-deployer/internal/web"
)

const testKey = "test-wallet-key"

// newGateway fakes the marketplace gateway and rejects unsigned requests.
func newGateway(t *testing.T, unlocked string) (*httptest.Server, *int32) {
	t.Helper()
	var creates int32

	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}

	mux.HandleFunc("/v1/escrow/balance", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"lockedBalance":"0","unlockedBalance":`+unlocked+`}`)
	})
	mux.HandleFunc("/v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&creates, 1)
		respond(w, `{"leaseId":"77","transactionHash":"0xfeed"}`)
	})
	mux.HandleFunc("/v1/deployments/77", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"services":{"sd-webui":{"available":1}},"forwarded_ports":{"sd-webui":[{"port":7860,"externalPort":30001,"proto":"TCP","host":"node.example.com"}]}}`)
	})
	mux.HandleFunc("/v1/deployments/77/logs", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"logs":["booting"]}`)
	})
	mux.HandleFunc("/v1/leases/77", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"leaseId":"77","totalDeposit":9007199254740993}`)
	})
	mux.HandleFunc("/v1/leases/77/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"status unavailable"}`, http.StatusBadGateway)
	})

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := marketplace.Signature([]byte(testKey), r.Method, r.URL.RequestURI(), r.Header.Get("X-Timestamp"), body)
		if r.Header.Get("X-Signature") != want {
			http.Error(w, `{"message":"bad signature"}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(gateway.Close)
	return gateway, &creates
}

func setupTestServer(t *testing.T, gatewayURL string, rateLimit int) *Server {
	t.Helper()

	cfg := &config.Config{
		Port:             "0",
		PrivateKey:       testKey,
		Network:          "testnet",
		MarketplaceURL:   gatewayURL,
		ProviderProxyURL: "https://provider-proxy.test",
		EscrowToken:      "CST",
		DatabasePath:     filepath.Join(t.TempDir(), "deployments.db"),
		DeployRateLimit:  rateLimit,
		DeployRateWindow: time.Minute,
		NewRelicAppName:  "test-app",
	}

	db, err := database.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewServer(cfg, db, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { s.limiter.Close() })
	return s
}

func submit(s *Server, remoteAddr string) *httptest.ResponseRecorder {
	body := `{"name":"sd-webui","yamlConfig":` + jsonString(web.DefaultConfig()) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func submitVia(s *Server, remoteAddr, forwarded string) *httptest.ResponseRecorder {
	body := `{"name":"sd-webui","yamlConfig":` + jsonString(web.DefaultConfig()) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwarded)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestHealthEndpoint(t *testing.T) {
	gateway, _ := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 5)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("Expected request id to be echoed, got %q", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	gateway, _ := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 5)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestBalanceEndpoint(t *testing.T) {
	gateway, _ := newGateway(t, `123456789012345678901234567890`)
	s := setupTestServer(t, gateway.URL, 5)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/balance", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := `{"lockedBalance":"0","unlockedBalance":"123456789012345678901234567890"}`
	if got := strings.TrimSpace(rr.Body.String()); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCreateDeploymentEndToEnd(t *testing.T) {
	gateway, creates := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 5)

	rr := submit(s, "192.0.2.1:4000")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Deployment struct {
			ID       int64   `json:"id"`
			WebUIURL *string `json:"webuiUrl"`
			Error    *string `json:"error"`
		} `json:"deployment"`
		Transaction map[string]interface{} `json:"transaction"`
		Details     map[string]interface{} `json:"details"`
		Lease       map[string]interface{} `json:"lease"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Transaction["leaseId"] != "77" {
		t.Errorf("Expected leaseId 77, got %v", resp.Transaction["leaseId"])
	}
	if resp.Lease["totalDeposit"] != "9007199254740993" {
		t.Errorf("Expected unsafe integer as string, got %v", resp.Lease["totalDeposit"])
	}
	if resp.Details["pricePerHour"] != "0" {
		t.Errorf("Expected default pricePerHour after status failure, got %v", resp.Details["pricePerHour"])
	}
	if resp.Deployment.WebUIURL == nil || *resp.Deployment.WebUIURL != "http://node.example.com:30001" {
		t.Errorf("Unexpected service URL %v", resp.Deployment.WebUIURL)
	}
	if resp.Deployment.Error == nil || !strings.Contains(*resp.Deployment.Error, "GetLeaseStatus") {
		t.Errorf("Expected lease status failure in error summary, got %v", resp.Deployment.Error)
	}
	if atomic.LoadInt32(creates) != 1 {
		t.Errorf("Expected 1 create call, got %d", *creates)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/deployments", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"name":"sd-webui"`) {
		t.Errorf("Expected stored deployment in list, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateDeploymentInsufficientBalanceEndToEnd(t *testing.T) {
	gateway, creates := newGateway(t, `"0"`)
	s := setupTestServer(t, gateway.URL, 5)

	rr := submit(s, "192.0.2.1:4000")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Insufficient CST balance in escrow") {
		t.Errorf("Unexpected body %s", rr.Body.String())
	}
	if atomic.LoadInt32(creates) != 0 {
		t.Error("Expected no create call")
	}
}

func TestRateLimit(t *testing.T) {
	gateway, creates := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 1)

	if rr := submit(s, "192.0.2.1:4000"); rr.Code != http.StatusOK {
		t.Fatalf("Expected first submission to pass, got %d", rr.Code)
	}

	rr := submit(s, "192.0.2.1:4001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	if rr := submit(s, "192.0.2.2:4000"); rr.Code != http.StatusOK {
		t.Errorf("Expected other client to pass, got %d", rr.Code)
	}
	if got := atomic.LoadInt32(creates); got != 2 {
		t.Errorf("Expected 2 create calls, got %d", got)
	}

	// Reads are never limited
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected list to pass, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gateway, _ := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 5)

	submit(s, "192.0.2.1:4000")

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		`webui_deployer_deployment_requests_total{outcome="created"} 1`,
		`webui_deployer_http_requests_total{method="POST",route="/api/deployments",status="200"} 1`,
		`webui_deployer_marketplace_call_duration_seconds_count{op="GetLeaseStatus",result="error"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestIndexAndStatic(t *testing.T) {
	gateway, _ := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 5)

	tests := []struct {
		path        string
		contentType string
	}{
		{path: "/", contentType: "text/html"},
		{path: "/static/app.js", contentType: "javascript"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, tt.contentType) {
				t.Errorf("Expected content type containing %q, got %q", tt.contentType, ct)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	log := logger.WithModule("server")
	proxies := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10", "not-an-ip"}, log)

	tests := []struct {
		name       string
		proxies    trustedProxies
		remoteAddr string
		forwarded  string
		expected   string
	}{
		{name: "socket address", remoteAddr: "10.1.2.3:5555", expected: "10.1.2.3"},
		{name: "no port", remoteAddr: "10.1.2.3", expected: "10.1.2.3"},
		{
			name:       "header ignored without trusted proxies",
			remoteAddr: "198.51.100.7:5555",
			forwarded:  "203.0.113.9",
			expected:   "198.51.100.7",
		},
		{
			name:       "header ignored from untrusted peer",
			proxies:    proxies,
			remoteAddr: "198.51.100.7:5555",
			forwarded:  "203.0.113.9",
			expected:   "198.51.100.7",
		},
		{
			name:       "trusted peer",
			proxies:    proxies,
			remoteAddr: "10.1.2.3:5555",
			forwarded:  "203.0.113.9",
			expected:   "203.0.113.9",
		},
		{
			name:       "spoofed leading hop",
			proxies:    proxies,
			remoteAddr: "10.1.2.3:5555",
			forwarded:  "1.1.1.1, 203.0.113.9, 10.0.0.4",
			expected:   "203.0.113.9",
		},
		{
			name:       "single trusted address",
			proxies:    proxies,
			remoteAddr: "192.0.2.10:443",
			forwarded:  "203.0.113.9",
			expected:   "203.0.113.9",
		},
		{
			name:       "trusted peer without header",
			proxies:    proxies,
			remoteAddr: "10.1.2.3:5555",
			expected:   "10.1.2.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := tt.proxies.clientIP(req); got != tt.expected {
				t.Errorf("clientIP() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	proxies := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10", "::1", "bogus"}, logger.WithModule("server"))
	if len(proxies) != 3 {
		t.Fatalf("Expected 3 valid entries, got %v", proxies)
	}
	for _, host := range []string{"10.200.0.1", "192.0.2.10", "::1", "::ffff:10.0.0.1"} {
		if !proxies.contains(host) {
			t.Errorf("Expected %s to be trusted", host)
		}
	}
	for _, host := range []string{"192.0.2.11", "11.0.0.1", "bogus"} {
		if proxies.contains(host) {
			t.Errorf("Expected %s to be untrusted", host)
		}
	}
}

func TestRateLimitIgnoresForwardedHeaderFromClients(t *testing.T) {
	gateway, creates := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 1)

	for i, forwarded := range []string{"203.0.113.1", "203.0.113.2"} {
		rr := submitVia(s, "192.0.2.1:4000", forwarded)
		want := http.StatusOK
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Errorf("submission %d: expected status %d, got %d", i+1, want, rr.Code)
		}
	}

	// A client naming another address does not use up that address's window
	if rr := submit(s, "203.0.113.1:4000"); rr.Code != http.StatusOK {
		t.Errorf("Expected 203.0.113.1 to pass, got %d", rr.Code)
	}
	if got := atomic.LoadInt32(creates); got != 2 {
		t.Errorf("Expected 2 create calls, got %d", got)
	}
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	gateway, _ := newGateway(t, `"10"`)
	s := setupTestServer(t, gateway.URL, 1)
	s.proxies = parseTrustedProxies([]string{"10.0.0.0/8"}, s.logger)

	if rr := submitVia(s, "10.0.0.5:4000", "203.0.113.1"); rr.Code != http.StatusOK {
		t.Fatalf("Expected first client to pass, got %d", rr.Code)
	}
	if rr := submitVia(s, "10.0.0.5:4001", "203.0.113.2"); rr.Code != http.StatusOK {
		t.Errorf("Expected second client behind the proxy to pass, got %d", rr.Code)
	}
	if rr := submitVia(s, "10.0.0.6:4000", "203.0.113.1"); rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected repeat client to be limited, got %d", rr.Code)
	}
}
