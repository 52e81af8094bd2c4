package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"webui-deployer/internal/config"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/marketplace"
	"webui-deployer/internal/metrics"
	"webui-deployer/internal/models"
	"webui-deployer/internal/probe"
)

// Marketplace is the subset of the marketplace client the handlers call.
type Marketplace interface {
	GetUserBalance(ctx context.Context, token string) (*models.Balance, error)
	CreateDeployment(ctx context.Context, yamlConfig, providerProxyURL string) (*models.Transaction, error)
	GetDeployment(ctx context.Context, leaseID, providerProxyURL string) (models.Payload, error)
	GetLeaseDetails(ctx context.Context, leaseID string) (models.Payload, error)
	GetLeaseStatus(ctx context.Context, leaseID string) (models.Payload, error)
	GetDeploymentLogs(ctx context.Context, leaseID, providerProxyURL string, opts marketplace.LogOptions) ([]string, error)
}

// Store persists deployment records.
type Store interface {
	CreateDeployment(ctx context.Context, in models.InsertDeployment, webuiURL, errText string) (*models.Deployment, error)
	GetDeployment(ctx context.Context, id int64) (*models.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]models.Deployment, error)
}

type Prober interface {
	Check(ctx context.Context, url string) probe.Result
}

type Handler struct {
	db      Store
	config  *config.Config
	market  Marketplace
	prober  Prober
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

func NewHandler(db Store, cfg *config.Config, market Marketplace, prober Prober, m *metrics.Metrics) *Handler {
	return &Handler{
		db:      db,
		config:  cfg,
		market:  market,
		prober:  prober,
		metrics: m,
		logger:  logger.WithModule("handlers"),
		now:     time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// Balance reports the escrow balance for the configured token.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.market.GetUserBalance(r.Context(), h.config.EscrowToken)
	if err != nil {
		h.requestLogger(r).WithError(err).Error("Failed to fetch escrow balance")
		writeError(w, http.StatusInternalServerError, logger.Redact(err.Error()), nil)
		return
	}
	if balance == nil {
		balance = &models.Balance{}
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) requestLogger(r *http.Request) *logrus.Entry {
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	if id := RequestID(r.Context()); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

func (h *Handler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordDeployment(outcome)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	writeJSON(w, status, models.ErrorResponse{Message: message, Details: details})
}

type requestIDKey struct{}

// WithRequestID stores the request id used to correlate log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
