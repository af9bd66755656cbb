package rewardsd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rewardledger/services/rewardsd/commission"
	"rewardledger/services/rewardsd/models"
	"rewardledger/services/rewardsd/redistribution"
	"rewardledger/services/rewardsd/tokens"
)

const maxBodyBytes = 4 << 20

// Pinger reports storage health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// AdminServerConfig wires the operator API.
type AdminServerConfig struct {
	Distributor *commission.Distributor
	Manager     *tokens.Manager
	Scheduler   *Scheduler
	Metrics     MetricsSource
	Auth        *Authenticator
	Health      Pinger
	Logger      *slog.Logger
}

// AdminServer exposes HTTP endpoints for event intake and operator controls.
type AdminServer struct {
	distributor *commission.Distributor
	manager     *tokens.Manager
	scheduler   *Scheduler
	metrics     MetricsSource
	health      Pinger
	logger      *slog.Logger
	router      http.Handler
}

// NewAdminServer constructs the router.
func NewAdminServer(cfg AdminServerConfig) *AdminServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{
		distributor: cfg.Distributor,
		manager:     cfg.Manager,
		scheduler:   cfg.Scheduler,
		metrics:     cfg.Metrics,
		health:      cfg.Health,
		logger:      logger,
	}
	s.router = s.buildRouter(cfg.Auth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter(auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(auth.Middleware)
		api.Post("/events/purchase-confirmed", s.handlePurchaseConfirmed)
		api.Get("/purchases/{reference}", s.handleGetPurchase)
		api.Get("/owners/{owner}/batches", s.handleOwnerBatches)
		api.Post("/batches/{id}/use", s.handleUseBatch)
		api.Post("/jobs/sweep", s.handleSweep)
		api.Post("/jobs/redistribute", s.handleRedistribute)
	})
	return r
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commissionEntryView struct {
	Tier       int    `json:"tier"`
	PayerID    string `json:"payer_id"`
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
}

type distributionView struct {
	PurchaseID string                `json:"purchase_id,omitempty"`
	Outcome    string                `json:"outcome"`
	Stop       string                `json:"stop,omitempty"`
	FailedTier int                   `json:"failed_tier,omitempty"`
	Total      string                `json:"total"`
	Entries    []commissionEntryView `json:"entries"`
}

func entryViews(entries []models.CommissionEntry) []commissionEntryView {
	views := make([]commissionEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, commissionEntryView{
			Tier:       entry.Tier,
			PayerID:    entry.PayerID,
			ReceiverID: entry.ReceiverID,
			Amount:     entry.Amount.StringFixed(2),
		})
	}
	return views
}

func (s *AdminServer) handlePurchaseConfirmed(w http.ResponseWriter, r *http.Request) {
	var trig commission.Trigger
	if err := decodeBody(r, &trig); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	result, err := s.distributor.Distribute(r.Context(), trig)
	switch {
	case errors.Is(err, commission.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "distribution failed",
			slog.String("transaction_id", trig.TransactionID),
			slog.Any("error", err))
		http.Error(w, "distribution failed", http.StatusInternalServerError)
		return
	}
	view := distributionView{
		Outcome:    string(result.Outcome),
		Stop:       string(result.Stop),
		FailedTier: result.FailedTier,
		Total:      result.Total().StringFixed(2),
		Entries:    entryViews(result.Entries),
	}
	if result.PurchaseID != uuid.Nil {
		view.PurchaseID = result.PurchaseID.String()
	}
	status := http.StatusOK
	if result.Outcome == commission.OutcomeIgnored {
		status = http.StatusAccepted
	}
	writeJSON(w, status, view)
}

type purchaseView struct {
	PurchaseID            string                `json:"purchase_id"`
	PurchaserID           string                `json:"purchaser_id"`
	Reference             string                `json:"reference"`
	Amount                string                `json:"amount"`
	CommissionDistributed bool                  `json:"commission_distributed"`
	CreatedAt             time.Time             `json:"created_at"`
	Commissions           []commissionEntryView `json:"commissions"`
}

func (s *AdminServer) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := s.distributor.PurchaseByReference(r.Context(), chi.URLParam(r, "reference"))
	if errors.Is(err, commission.ErrPurchaseNotFound) {
		http.Error(w, "purchase not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, purchaseView{
		PurchaseID:            purchase.ID.String(),
		PurchaserID:           purchase.PurchaserID,
		Reference:             purchase.SourceReference,
		Amount:                purchase.Amount.StringFixed(2),
		CommissionDistributed: purchase.CommissionDistributed,
		CreatedAt:             purchase.CreatedAt.UTC(),
		Commissions:           entryViews(purchase.Commissions),
	})
}

type batchView struct {
	BatchID   string    `json:"batch_id"`
	Count     int       `json:"count"`
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysLeft  int       `json:"days_left"`
	Bar       string    `json:"bar"`
}

func (s *AdminServer) handleOwnerBatches(w http.ResponseWriter, r *http.Request) {
	now := s.manager.Now()
	batches, err := s.manager.ActiveBatches(r.Context(), chi.URLParam(r, "owner"), now)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	views := make([]batchView, 0, len(batches))
	balance := 0
	for _, batch := range batches {
		days := tokens.DaysLeft(batch, now)
		balance += batch.Count
		views = append(views, batchView{
			BatchID:   batch.ID.String(),
			Count:     batch.Count,
			Tier:      batch.Tier,
			ExpiresAt: batch.ExpiresAt.UTC(),
			DaysLeft:  days,
			Bar:       tokens.Bar(days),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": balance,
		"batches": views,
	})
}

func (s *AdminServer) handleUseBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid batch id", http.StatusBadRequest)
		return
	}
	switch err := s.manager.MarkUsed(r.Context(), id); {
	case errors.Is(err, tokens.ErrBatchNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tokens.ErrBatchNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, "update failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type sweepRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type sweepView struct {
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (s *AdminServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	now := s.manager.Now()
	if req.AsOf != nil {
		now = req.AsOf.UTC()
	}
	result, err := s.scheduler.SweepTick(r.Context(), now)
	if errors.Is(err, ErrLeaseHeld) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepView{
		Expired: len(result.Expired),
		Skipped: result.Skipped,
		Failed:  len(result.Failures),
	})
}

type redistributeRequest struct {
	Period  string                        `json:"period"`
	Metrics []redistribution.PeriodMetric `json:"metrics"`
}

type ownerFailureView struct {
	OwnerID string `json:"owner_id"`
	Error   string `json:"error"`
}

type redistributeView struct {
	Period   string             `json:"period"`
	Awarded  int                `json:"awarded"`
	Skipped  int                `json:"skipped"`
	Failed   int                `json:"failed"`
	Tokens   int                `json:"tokens"`
	Failures []ownerFailureView `json:"failures"`
}

func (s *AdminServer) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	var req redistributeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	req.Period = strings.TrimSpace(req.Period)
	if req.Period == "" {
		http.Error(w, redistribution.ErrInvalidPeriod.Error(), http.StatusBadRequest)
		return
	}
	metrics := req.Metrics
	if len(metrics) == 0 && s.metrics != nil {
		loaded, err := s.metrics.PeriodMetrics(r.Context(), req.Period)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		metrics = loaded
	}
	summary, err := s.scheduler.RedistributionTick(r.Context(), req.Period, metrics)
	if errors.Is(err, ErrLeaseHeld) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "redistribution failed", http.StatusInternalServerError)
		return
	}
	view := redistributeView{
		Period:   summary.Period,
		Awarded:  summary.Awarded,
		Skipped:  summary.Skipped,
		Failed:   summary.Failed,
		Tokens:   summary.Tokens,
		Failures: make([]ownerFailureView, 0, len(summary.Failures)),
	}
	for _, failure := range summary.Failures {
		view.Failures = append(view.Failures, ownerFailureView{OwnerID: failure.OwnerID, Error: failure.Err.Error()})
	}
	writeJSON(w, http.StatusOK, view)
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
