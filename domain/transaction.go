package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type Provider string
type Status string

const (
	ProviderMTN    Provider = "MTN_MONEY"
	ProviderAirtel Provider = "AIRTEL_MONEY"
)

const (
	StatusPending    Status = "PENDING"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// ParseProvider accepts the path-segment spellings used by the API
// (mtn, mtn_money, mtn-money, airtel, ...) as well as the enum values.
func ParseProvider(s string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "mtn", "mtn_money", "mtn_momo", "momo":
		return ProviderMTN, nil
	case "airtel", "airtel_money":
		return ProviderAirtel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed || s == StatusExpired
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition reports whether a stored transaction may move from one
// status to another. Only PENDING rows move, and only forward.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// Transaction is the durable record of one payment attempt.
type Transaction struct {
	ID                string          `json:"transaction_id"`
	ExternalReference string          `json:"reference"`
	ProviderRef       string          `json:"provider_ref"`
	Provider          Provider        `json:"provider"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PhoneNumber       string          `json:"phone_number"`
	Status            Status          `json:"status"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty"`
	Description       string          `json:"description,omitempty"`
	OwnerID           string          `json:"owner_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.ProviderPayload != nil {
		c.ProviderPayload = append(json.RawMessage(nil), t.ProviderPayload...)
	}
	return &c
}

// PaymentRequest is the input of an initiation, from any caller.
type PaymentRequest struct {
	Provider    Provider
	Amount      decimal.Decimal
	Currency    string
	PhoneNumber string
	Reference   string
	Description string
	OwnerID     string
}

// Validate performs the checks that must pass before any network call.
func (r *PaymentRequest) Validate() error {
	return ValidatePayment(r.Amount, r.PhoneNumber)
}

// AmountScale is the number of decimal places every store keeps.
const AmountScale = 4

// maxAmount is the first value a NUMERIC(20, 4) column cannot hold.
var maxAmount = decimal.New(1, 20-AmountScale)

func ValidatePayment(amount decimal.Decimal, phoneNumber string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Msg: "amount must be greater than 0"}
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return &ValidationError{Field: "amount", Msg: fmt.Sprintf("amount must have at most %d decimal places", AmountScale)}
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return &ValidationError{Field: "amount", Msg: "amount is too large"}
	}
	if strings.TrimSpace(phoneNumber) == "" {
		return &ValidationError{Field: "phoneNumber", Msg: "phone number is required"}
	}
	return nil
}

// NormalizeMSISDN strips formatting characters and a leading plus sign.
func NormalizeMSISDN(phone string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	return strings.TrimPrefix(replacer.Replace(strings.TrimSpace(phone)), "+")
}

func NewTransactionID() string {
	return ulid.Make().String()
}

func NewReference() string {
	return uuid.NewString()
}
