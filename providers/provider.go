package providers

import (
	"context"
	"encoding/json"
	"time"

	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
)

// PaymentRequest contains the data an adapter needs to ask a subscriber to pay.
type PaymentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	PhoneNumber string
	Reference   string // idempotency token, unique per provider
	Description string
}

// AccessToken is opaque to callers and short-lived.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now, keeping skew in
// reserve for the request that is about to be made with it.
func (t *AccessToken) Valid(now time.Time, skew time.Duration) bool {
	return t != nil && t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// InitiateResult holds the provider-assigned identifiers of a payment.
type InitiateResult struct {
	ProviderRef string
	Status      domain.Status
	RawPayload  json.RawMessage
}

// StatusQuery identifies the transaction a status check is about.
type StatusQuery struct {
	ProviderRef string
	// Currency is the transaction's own currency; adapters fall back to
	// their configured one when it is empty.
	Currency string
}

// StatusResult holds one normalized status reading.
type StatusResult struct {
	Status     domain.Status
	Raw        RawStatus
	RawPayload json.RawMessage
}

// PaymentProvider defines the contract every mobile-money integration
// implements (Adapter Pattern). Adapters never retry: authentication failures
// come back as *domain.AuthError, rejected or failed calls as
// *domain.GatewayError.
type PaymentProvider interface {
	Name() domain.Provider
	Authenticate(ctx context.Context) (*AccessToken, error)
	InitiatePayment(ctx context.Context, token *AccessToken, req PaymentRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, token *AccessToken, q StatusQuery) (*StatusResult, error)
}
