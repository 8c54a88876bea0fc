package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"momo-orchestrator/domain"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ownerHeader    = "X-User-ID"
	anonymousOwner = "anonymous"
	maxBodyBytes   = 1 << 20
)

// PaymentService is implemented by *orchestrator.Orchestrator.
type PaymentService interface {
	Initiate(ctx context.Context, req domain.PaymentRequest) (*domain.Transaction, error)
	// CheckProviderStatus reports a transaction of another provider as not
	// found without reconciling it.
	CheckProviderStatus(ctx context.Context, provider domain.Provider, id string) (*domain.Transaction, error)
}

type InitiateRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phoneNumber"`
	Currency    string          `json:"currency,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
}

type InitiateResponse struct {
	Success       bool          `json:"success"`
	TransactionID string        `json:"transaction_id"`
	Reference     string        `json:"reference"`
	Status        domain.Status `json:"status"`
	Message       string        `json:"message"`
}

type StatusResponse struct {
	Success       bool                `json:"success"`
	Status        domain.Status       `json:"status"`
	TransactionID string              `json:"transaction_id"`
	Details       *domain.Transaction `json:"details"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PaymentHandler struct {
	payments PaymentService
	logger   *zap.Logger
}

func NewPaymentHandler(payments PaymentService, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{payments: payments, logger: logger}
}

// HandleInitiate serves POST /api/payments/{provider}/initiate.
func (h *PaymentHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body InitiateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	txn, err := h.payments.Initiate(r.Context(), domain.PaymentRequest{
		Provider:    provider,
		Amount:      body.Amount,
		Currency:    body.Currency,
		PhoneNumber: body.PhoneNumber,
		Reference:   body.Reference,
		Description: body.Description,
		OwnerID:     ownerID(r),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, InitiateResponse{
		Success:       true,
		TransactionID: txn.ID,
		Reference:     txn.ExternalReference,
		Status:        txn.Status,
		Message:       "payment initiated, awaiting customer approval",
	})
}

// HandleStatus serves GET /api/payments/{provider}/status/{transactionId}.
func (h *PaymentHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "transactionId")
	if strings.TrimSpace(id) == "" {
		h.sendError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	// Transactions are only visible under their own provider's path.
	txn, err := h.payments.CheckProviderStatus(r.Context(), provider, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, StatusResponse{
		Success:       true,
		Status:        txn.Status,
		TransactionID: txn.ID,
		Details:       txn,
	})
}

func ownerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ownerHeader)); id != "" {
		return id
	}
	return anonymousOwner
}

// StatusCode maps a service error onto the HTTP status it is reported with.
func StatusCode(err error) int {
	var (
		vErr *domain.ValidationError
		aErr *domain.AuthError
		gErr *domain.GatewayError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &aErr), errors.As(err, &gErr),
		errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateReference), errors.Is(err, domain.ErrReferenceInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *PaymentHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}
	h.sendError(w, code, message)
}

func (h *PaymentHandler) sendJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *PaymentHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{Success: false, Message: message})
}
