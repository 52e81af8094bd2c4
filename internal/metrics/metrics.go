package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webui_deployer"

const (
	OutcomeCreated             = "created"
	OutcomeInvalid             = "invalid"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeRateLimited         = "rate_limited"
	OutcomeFailed              = "failed"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

type Metrics struct {
	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	deployResults    *prometheus.CounterVec
	marketplaceCalls *prometheus.HistogramVec
	gatherer         prometheus.Gatherer
}

// New registers the collectors on reg. Collectors already registered by an
// earlier call are reused.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		deployResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_requests_total",
			Help:      "Deployment submissions by outcome",
		}, []string{"outcome"}),
		marketplaceCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "marketplace_call_duration_seconds",
			Help:      "Latency of marketplace gateway calls",
			Buckets:   histogramBuckets,
		}, []string{"op", "result"}),
		gatherer: reg,
	}

	m.requestTotal = register(reg, m.requestTotal).(*prometheus.CounterVec)
	m.requestDuration = register(reg, m.requestDuration).(*prometheus.HistogramVec)
	m.deployResults = register(reg, m.deployResults).(*prometheus.CounterVec)
	m.marketplaceCalls = register(reg, m.marketplaceCalls).(*prometheus.HistogramVec)
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return c
}

// Handler serves the exposition format for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) RecordDeployment(outcome string) {
	m.DeploymentCounter(outcome).Inc()
}

// DeploymentCounter returns the submission counter for outcome.
func (m *Metrics) DeploymentCounter(outcome string) prometheus.Counter {
	return m.deployResults.With(prometheus.Labels{"outcome": outcome})
}

// ObserveMarketplaceCall matches marketplace.ObserveFunc.
func (m *Metrics) ObserveMarketplaceCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.marketplaceCalls.With(prometheus.Labels{"op": op, "result": result}).Observe(d.Seconds())
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
