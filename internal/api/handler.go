// Package api exposes the engine over HTTP: reporting endpoints, order entry,
// the emergency stop switch and a websocket alert stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/alert"
	"github.com/atmx/execution-engine/internal/engine"
	"github.com/atmx/execution-engine/internal/marketdata"
	"github.com/atmx/execution-engine/internal/model"
	"github.com/atmx/execution-engine/internal/retry"
	"github.com/atmx/execution-engine/internal/safety"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine  *engine.Engine
	alerts  *alert.Pipeline
	breaker *safety.CircuitBreaker
	retries *retry.Scheduler // optional
	hub     *Hub             // optional
	logger  *slog.Logger
}

// NewHandler creates the API handler. retries and hub may be nil.
func NewHandler(e *engine.Engine, alerts *alert.Pipeline, breaker *safety.CircuitBreaker, retries *retry.Scheduler, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		engine:  e,
		alerts:  alerts,
		breaker: breaker,
		retries: retries,
		hub:     hub,
		logger:  logger.With(slog.String("component", "api")),
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/positions", h.ListPositions)
	r.Get("/positions/{symbol}", h.GetPosition)

	r.Get("/orders", h.OrderHistory)
	r.Get("/orders/active", h.ActiveOrders)
	r.Post("/orders", h.SubmitOrder)
	r.Delete("/orders/{orderID}", h.CancelOrder)

	r.Get("/trades", h.ListTrades)
	r.Get("/performance", h.Performance)
	r.Get("/report", h.Report)
	r.Get("/alerts", h.ListAlerts)

	r.Get("/safety", h.SafetyStatus)
	r.Post("/emergency-stop", h.ActivateEmergencyStop)
	r.Delete("/emergency-stop", h.ClearEmergencyStop)

	r.Post("/market-data", h.PushMarketData)
	r.Post("/funding", h.ApplyFunding)
}

// --- Request/Response types ---

// SubmitResponse is returned from POST /orders. Retry is set when the
// failure was queued for another attempt.
type SubmitResponse struct {
	Order model.OrderResult `json:"order"`
	Retry bool              `json:"retry_scheduled,omitempty"`
	Error string            `json:"error,omitempty"`
}

// FundingRequest is the JSON body for POST /funding.
type FundingRequest struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// StopRequest is the JSON body for POST /emergency-stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// StopResponse reports an emergency stop change.
type StopResponse struct {
	Changed bool   `json:"changed"`
	Active  bool   `json:"active"`
	Reason  string `json:"reason,omitempty"`
}

// SafetyResponse is the body of GET /safety.
type SafetyResponse struct {
	Breaker        safety.Status `json:"breaker"`
	EmergencyStop  bool          `json:"emergency_stop"`
	StopReason     string        `json:"stop_reason,omitempty"`
	StopSince      *time.Time    `json:"stop_since,omitempty"`
	PendingRetries []retry.Entry `json:"pending_retries"`
}

// --- HTTP Handlers ---

// ListPositions handles GET /api/v1/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Positions())
}

// GetPosition handles GET /api/v1/positions/{symbol}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.engine.Position(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// OrderHistory handles GET /api/v1/orders
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.OrderHistory(r.Context())
	if err != nil {
		h.logger.Error("load order history", "err", err)
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ActiveOrders handles GET /api/v1/orders/active
func (h *Handler) ActiveOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ActiveOrders())
}

// SubmitOrder handles POST /api/v1/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req model.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), SubmitResponse{
			Order: res,
			Retry: h.retries != nil && model.IsRetryable(err),
			Error: err.Error(),
		})
		return
	}

	status := http.StatusOK
	if res.Status == model.StatusSubmitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SubmitResponse{Order: res})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/v1/trades?symbol=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.Trades(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		h.logger.Error("load trades", "err", err)
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// Performance handles GET /api/v1/performance
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Metrics())
}

// Report handles GET /api/v1/report
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Report())
}

// ListAlerts handles GET /api/v1/alerts?limit=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.alerts.History(limit))
}

// SafetyStatus handles GET /api/v1/safety
func (h *Handler) SafetyStatus(w http.ResponseWriter, r *http.Request) {
	resp := SafetyResponse{
		Breaker:        h.breaker.Status(),
		EmergencyStop:  h.engine.EmergencyStopActive(),
		PendingRetries: []retry.Entry{},
	}
	if resp.EmergencyStop {
		reason, since := h.engine.EmergencyStopReason()
		resp.StopReason = reason
		resp.StopSince = &since
	}
	if h.retries != nil {
		resp.PendingRetries = h.retries.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ActivateEmergencyStop handles POST /api/v1/emergency-stop
func (h *Handler) ActivateEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	changed := h.engine.ActivateEmergencyStop(r.Context(), req.Reason)
	reason, _ := h.engine.EmergencyStopReason()
	writeJSON(w, http.StatusOK, StopResponse{Changed: changed, Active: true, Reason: reason})
}

// ClearEmergencyStop handles DELETE /api/v1/emergency-stop
func (h *Handler) ClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	changed := h.engine.ClearEmergencyStop()
	writeJSON(w, http.StatusOK, StopResponse{Changed: changed, Active: h.engine.EmergencyStopActive()})
}

// PushMarketData handles POST /api/v1/market-data. It returns the orders the
// tick moved out of the book.
func (h *Handler) PushMarketData(w http.ResponseWriter, r *http.Request) {
	var md model.MarketData
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}
	results, err := h.engine.OnMarketData(r.Context(), md)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if results == nil {
		results = []model.OrderResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ApplyFunding handles POST /api/v1/funding
func (h *Handler) ApplyFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	payment, err := h.engine.ApplyFunding(r.Context(), req.Symbol, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// --- Helpers ---

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, marketdata.ErrInvalidQuote):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrOrderCancellationFailed):
		return http.StatusNotFound
	case errors.Is(err, marketdata.ErrStaleQuote):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEmergencyStop),
		errors.Is(err, model.ErrSafetyCircuitBreaker),
		errors.Is(err, model.ErrMarketDataNotAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrOrderExecutionFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
