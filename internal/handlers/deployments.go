package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"webui-deployer/internal/database"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/manifest"
	"webui-deployer/internal/marketplace"
	"webui-deployer/internal/metrics"
	"webui-deployer/internal/models"
	apm "webui-deployer/internal/newrelic"
)

const (
	maxRequestBytes = 1 << 20
	logTail         = 100
)

// CreateDeployment validates the submission, checks the escrow balance,
// creates the deployment and gathers what the marketplace reports about it.
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.requestLogger(r)

	var in models.InsertDeployment
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		h.record(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "Invalid request body",
			[]models.FieldError{{Field: "body", Message: err.Error()}})
		return
	}

	if fieldErrs := in.Validate(); len(fieldErrs) > 0 {
		h.record(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "Invalid deployment request", fieldErrs)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	log = log.WithField("name", in.Name)

	// The config goes to the marketplace as submitted; it is only read here
	// to locate the service endpoint.
	mf, err := manifest.Parse(in.YAMLConfig)
	if err != nil {
		log.WithError(err).Debug("Deployment config has no readable service list")
	}

	balance, err := h.market.GetUserBalance(ctx, h.config.EscrowToken)
	if err != nil {
		log.WithError(err).Error("Failed to fetch escrow balance")
		h.record(metrics.OutcomeFailed)
		writeError(w, http.StatusInternalServerError, logger.Redact(err.Error()), nil)
		return
	}
	if !balance.CanDeploy() {
		log.WithField("unlocked_balance", balanceText(balance)).Warn("Rejecting deployment: escrow balance is empty")
		h.record(metrics.OutcomeInsufficientBalance)
		writeError(w, http.StatusBadRequest, models.ErrInsufficientBalance.Error(), nil)
		return
	}

	txn, err := h.market.CreateDeployment(ctx, in.YAMLConfig, h.config.ProviderProxyURL)
	if err != nil {
		log.WithError(err).Error("Failed to create deployment")
		h.record(metrics.OutcomeFailed)
		writeError(w, http.StatusInternalServerError, logger.Redact(err.Error()), nil)
		return
	}
	log = log.WithField("lease_id", txn.LeaseID)
	log.Info("Deployment created")

	seg := apm.StartSegment(ctx, "gatherDetails")
	details, lease, failures := h.gatherDetails(r, log, txn.LeaseID)
	seg.End()
	webuiURL := h.serviceURL(mf, details)

	seg = apm.StartSegment(ctx, "storeDeployment")
	stored, err := h.db.CreateDeployment(ctx, in, webuiURL, strings.Join(failures, "; "))
	seg.End()
	if err != nil {
		log.WithError(err).Error("Failed to store deployment")
		h.record(metrics.OutcomeFailed)
		writeError(w, http.StatusInternalServerError, "Failed to store deployment", nil)
		return
	}

	log.WithFields(logrus.Fields{
		"deployment_id": stored.ID,
		"webui_url":     webuiURL,
	}).Info("Deployment stored")
	h.record(metrics.OutcomeCreated)

	writeJSON(w, http.StatusOK, models.CreateDeploymentResponse{
		Deployment:  stored,
		Transaction: txn,
		Details:     details,
		Lease:       lease,
	})
}

// gatherDetails makes one attempt at each secondary call. Failures are
// logged and reported back as summaries; they never fail the request.
func (h *Handler) gatherDetails(r *http.Request, log *logrus.Entry, leaseID string) (details, lease models.Payload, failures []string) {
	if leaseID == "" {
		return nil, nil, nil
	}

	ctx := r.Context()
	proxy := h.config.ProviderProxyURL
	failed := func(op string, err error) {
		log.WithError(err).WithField("op", op).Warn("Secondary marketplace call failed")
		apm.NoticeError(ctx, err)
		failures = append(failures, op+": "+logger.Redact(err.Error()))
	}

	deployment, deploymentErr := h.market.GetDeployment(ctx, leaseID, proxy)
	if deploymentErr != nil {
		failed("GetDeployment", deploymentErr)
	}

	lease, err := h.market.GetLeaseDetails(ctx, leaseID)
	if err != nil {
		failed("GetLeaseDetails", err)
		lease = nil
	}

	status, statusErr := h.market.GetLeaseStatus(ctx, leaseID)
	if statusErr != nil {
		failed("GetLeaseStatus", statusErr)
	}

	logs, logsErr := h.market.GetDeploymentLogs(ctx, leaseID, proxy, marketplace.LogOptions{Tail: logTail, Startup: true})
	if logsErr != nil {
		failed("GetDeploymentLogs", logsErr)
	}

	if deploymentErr != nil && statusErr != nil && logsErr != nil {
		return nil, lease, failures
	}
	return mergeDetails(deployment, status, logs, h.now()), lease, failures
}

// mergeDetails overlays lease status fields and logs onto the deployment
// details, filling defaults for anything the marketplace left out.
func mergeDetails(deployment, status models.Payload, logs []string, now time.Time) models.Payload {
	details := make(models.Payload, len(deployment)+6)
	for key, value := range deployment {
		details[key] = value
	}

	details["provider"] = valueOr(status["provider"], "")
	details["pricePerHour"] = pricePerHour(status["pricePerHour"])
	details["startTime"] = valueOr(status["startTime"], now.UTC().Format(time.RFC3339))
	details["remainingTime"] = valueOr(status["remainingTime"], "")
	details["services"] = valueOr(details["services"], map[string]interface{}{})

	if logs == nil {
		logs = []string{}
	}
	details["logs"] = logs
	return details
}

func valueOr(v interface{}, fallback interface{}) interface{} {
	if v == nil || v == "" {
		return fallback
	}
	return v
}

func pricePerHour(v interface{}) string {
	if v == nil || v == "" {
		return "0"
	}
	text := fmt.Sprint(v)
	amount, err := models.ParseAmount(text)
	if err != nil {
		return text
	}
	return amount.String()
}

// serviceURL resolves the primary endpoint of the config against the
// forwarded ports. Configured overrides win over the config's first global
// port.
func (h *Handler) serviceURL(mf *manifest.Manifest, details models.Payload) string {
	ports := models.ForwardedPorts(details)
	if len(ports) == 0 {
		return ""
	}

	service, port := h.config.WebUIService, h.config.WebUIPort
	if mf != nil && (service == "" || port == 0) {
		if s, p, ok := mf.PrimaryEndpoint(); ok {
			if service == "" {
				service = s
			}
			if port == 0 {
				port = p
			}
		}
	}
	return models.ServiceURL(ports, service, port)
}

func balanceText(b *models.Balance) string {
	if b == nil {
		return "<nil>"
	}
	return b.UnlockedBalance.String()
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := database.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	deployments, err := h.db.ListDeployments(r.Context(), limit)
	if err != nil {
		h.requestLogger(r).WithError(err).Error("Failed to list deployments")
		writeError(w, http.StatusInternalServerError, "Failed to list deployments", nil)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

// ProbeDeployment checks once whether the stored service URL answers.
func (h *Handler) ProbeDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if deployment.WebUIURL == nil || *deployment.WebUIURL == "" {
		writeError(w, http.StatusNotFound, "Deployment has no service URL", nil)
		return
	}

	res := h.prober.Check(r.Context(), *deployment.WebUIURL)
	if res.Err != nil {
		h.requestLogger(r).WithError(res.Err).WithField("url", res.URL).Debug("Service not reachable yet")
	}
	writeJSON(w, http.StatusOK, models.ProbeResponse{
		URL:        res.URL,
		Reachable:  res.Reachable,
		StatusCode: res.StatusCode,
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*models.Deployment, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid deployment id", nil)
		return nil, false
	}

	deployment, err := h.db.GetDeployment(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Deployment not found", nil)
		return nil, false
	}
	if err != nil {
		h.requestLogger(r).WithError(err).WithField("deployment_id", id).Error("Failed to load deployment")
		writeError(w, http.StatusInternalServerError, "Failed to load deployment", nil)
		return nil, false
	}
	return deployment, true
}
