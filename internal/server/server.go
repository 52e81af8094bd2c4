package server

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"webui-deployer/internal/config"
	"webui-deployer/internal/handlers"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/marketplace"
	"webui-deployer/internal/metrics"
	"webui-deployer/internal/models"
	apm "webui-deployer/internal/newrelic"
	"webui-deployer/internal/probe"
	"webui-deployer/internal/ratelimit"
	"webui-deployer/internal/web"
)

const probeTimeout = 10 * time.Second

type Server struct {
	config  *config.Config
	handler *handlers.Handler
	ui      *web.UI
	router  *mux.Router
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	proxies trustedProxies
	nrApp   *newrelic.Application
	http    *http.Server
	logger  *logrus.Entry
}

func NewServer(cfg *config.Config, db handlers.Store, nrApp *newrelic.Application) (*Server, error) {
	// Initialize the global logger
	logger.Initialize()

	serverLogger := logger.WithModule("server")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	marketClient := marketplace.NewClient(cfg)
	marketClient.Observe = m.ObserveMarketplaceCall

	ui, err := web.New(cfg.EscrowToken)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		handler: handlers.NewHandler(db, cfg, marketClient, probe.New(probeTimeout), m),
		ui:      ui,
		router:  mux.NewRouter(),
		limiter: ratelimit.New(context.Background(), cfg),
		metrics: m,
		proxies: parseTrustedProxies(cfg.TrustedProxies, serverLogger),
		nrApp:   nrApp,
		logger:  serverLogger,
	}

	s.setupRoutes()
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware, s.metrics.Middleware, apm.Middleware(s.nrApp))

	s.router.HandleFunc("/", s.ui.Index).Methods("GET")
	s.router.PathPrefix("/static/").Handler(s.ui.Static()).Methods("GET")

	s.router.HandleFunc("/health", s.handler.Health).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/balance", s.handler.Balance).Methods("GET")

	// Submissions are rate limited per client address
	api.Handle("/deployments", s.rateLimitMiddleware(http.HandlerFunc(s.handler.CreateDeployment))).Methods("POST")
	api.HandleFunc("/deployments", s.handler.ListDeployments).Methods("GET")
	api.HandleFunc("/deployments/{id}", s.handler.GetDeployment).Methods("GET")
	api.HandleFunc("/deployments/{id}/probe", s.handler.ProbeDeployment).Methods("GET")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		s.logger.WithFields(logrus.Fields{
			"request_id": id,
			"path":       r.URL.Path,
			"method":     r.Method,
			"ip":         s.proxies.clientIP(r),
		}).Debug("Handling request")

		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.proxies.clientIP(r)
		decision := s.limiter.Allow(r.Context(), ip)
		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			s.logger.WithFields(logrus.Fields{
				"ip":          ip,
				"count":       decision.Count,
				"retry_after": retryAfter,
			}).Warn("Deployment rate limit exceeded")
			s.metrics.RecordDeployment(metrics.OutcomeRateLimited)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			writeBody(w, models.ErrorResponse{Message: "Too many deployment requests, try again later"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// trustedProxies are the peers allowed to report the client address in
// X-Forwarded-For.
type trustedProxies []netip.Prefix

// parseTrustedProxies accepts addresses and CIDR ranges. Invalid entries are
// logged and skipped.
func parseTrustedProxies(entries []string, log *logrus.Entry) trustedProxies {
	var proxies trustedProxies
	for _, entry := range entries {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			proxies = append(proxies, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			addr = addr.Unmap()
			proxies = append(proxies, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		log.WithField("entry", entry).Warn("Ignoring invalid trusted proxy")
	}
	return proxies
}

func (t trustedProxies) contains(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the socket address. When the peer is a trusted proxy the
// nearest X-Forwarded-For hop that is not itself trusted is used instead.
func (t trustedProxies) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !t.contains(host) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !t.contains(hop) {
			return hop
		}
		host = hop
	}
	return host
}

func writeBody(w http.ResponseWriter, v interface{}) {
	json.NewEncoder(w).Encode(v)
}

// ServeHTTP lets the server be mounted directly, mainly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	s.logger.WithField("port", s.config.Port).Info("Server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and releases
// the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if cerr := s.limiter.Close(); err == nil {
		err = cerr
	}
	return err
}
