package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"momo-orchestrator/api"
	"momo-orchestrator/domain"
)

// Payment is the caller-visible part of a transaction.
type Payment struct {
	TransactionID string
	Reference     string
	Status        domain.Status
}

// PaymentAPI is what the controller needs from the payment backend.
type PaymentAPI interface {
	Initiate(ctx context.Context, req domain.PaymentRequest) (*Payment, error)
	CheckStatus(ctx context.Context, provider domain.Provider, transactionID string) (*Payment, error)
}

// APIError is a non-2xx answer from the payments HTTP API.
type APIError struct {
	StatusCode int
	Message    string
	err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payments api returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

// HTTPClient talks to the payments HTTP API.
type HTTPClient struct {
	baseURL    string
	ownerID    string
	httpClient *http.Client
}

// NewHTTPClient returns a client for the API at baseURL. ownerID is sent as
// X-User-ID; empty leaves it to the server default.
func NewHTTPClient(baseURL, ownerID string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ownerID:    ownerID,
		httpClient: httpClient,
	}
}

func pathSegment(p domain.Provider) string {
	switch p {
	case domain.ProviderMTN:
		return "mtn"
	case domain.ProviderAirtel:
		return "airtel"
	}
	return strings.ToLower(string(p))
}

func (c *HTTPClient) Initiate(ctx context.Context, req domain.PaymentRequest) (*Payment, error) {
	body, err := json.Marshal(api.InitiateRequest{
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
		Currency:    req.Currency,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	var out api.InitiateResponse
	path := "/api/payments/" + pathSegment(req.Provider) + "/initiate"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &Payment{TransactionID: out.TransactionID, Reference: out.Reference, Status: out.Status}, nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, provider domain.Provider, transactionID string) (*Payment, error) {
	var out api.StatusResponse
	path := "/api/payments/" + pathSegment(provider) + "/status/" + url.PathEscape(transactionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	p := &Payment{TransactionID: out.TransactionID, Status: out.Status}
	if out.Details != nil {
		p.Reference = out.Details.ExternalReference
	}
	return p, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ownerID != "" {
		req.Header.Set("X-User-ID", c.ownerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: e.Message}
		switch resp.StatusCode {
		case http.StatusNotFound:
			apiErr.err = &domain.NotFoundError{TransactionID: path[strings.LastIndex(path, "/")+1:]}
		case http.StatusConflict:
			apiErr.err = domain.ErrDuplicateReference
		}
		return apiErr
	}
	return json.Unmarshal(raw, out)
}

// Payments is implemented by *orchestrator.Orchestrator.
type Payments interface {
	Initiate(ctx context.Context, req domain.PaymentRequest) (*domain.Transaction, error)
	CheckProviderStatus(ctx context.Context, provider domain.Provider, id string) (*domain.Transaction, error)
}

// LocalAPI calls the orchestrator in process.
type LocalAPI struct {
	payments Payments
	ownerID  string
}

func NewLocalAPI(payments Payments, ownerID string) *LocalAPI {
	return &LocalAPI{payments: payments, ownerID: ownerID}
}

func (l *LocalAPI) Initiate(ctx context.Context, req domain.PaymentRequest) (*Payment, error) {
	if req.OwnerID == "" {
		req.OwnerID = l.ownerID
	}
	txn, err := l.payments.Initiate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Payment{TransactionID: txn.ID, Reference: txn.ExternalReference, Status: txn.Status}, nil
}

func (l *LocalAPI) CheckStatus(ctx context.Context, provider domain.Provider, transactionID string) (*Payment, error) {
	txn, err := l.payments.CheckProviderStatus(ctx, provider, transactionID)
	if err != nil {
		return nil, err
	}
	return &Payment{TransactionID: txn.ID, Reference: txn.ExternalReference, Status: txn.Status}, nil
}
