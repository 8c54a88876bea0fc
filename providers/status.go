package providers

import (
	"strings"

	"momo-orchestrator/domain"
)

// RawStatus is the status vocabulary of one provider. Each provider gets its
// own type so the mapping into domain.Status is explicit per provider.
//
// Normalize must never map an unrecognized value to a terminal status: a
// payment that is still in flight would otherwise be reported as final.
type RawStatus interface {
	Provider() domain.Provider
	String() string
	Normalize() domain.Status
}

// MTNStatus is the "status" field of a request-to-pay lookup.
type MTNStatus string

func (s MTNStatus) Provider() domain.Provider { return domain.ProviderMTN }
func (s MTNStatus) String() string            { return string(s) }

func (s MTNStatus) Normalize() domain.Status {
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case "SUCCESSFUL":
		return domain.StatusSuccessful
	case "FAILED", "REJECTED", "TIMEOUT":
		return domain.StatusFailed
	case "PENDING", "CREATED", "ONGOING":
		return domain.StatusPending
	default:
		return domain.StatusPending
	}
}

// AirtelStatus is data.transaction.status of a payment enquiry. Airtel
// reports short codes (TS, TF, ...) and, on some markets, words.
type AirtelStatus string

func (s AirtelStatus) Provider() domain.Provider { return domain.ProviderAirtel }
func (s AirtelStatus) String() string            { return string(s) }

func (s AirtelStatus) Normalize() domain.Status {
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case "TS", "SUCCESS", "SUCCESSFUL", "COMPLETED":
		return domain.StatusSuccessful
	case "TF", "TE", "FAILED", "DECLINED":
		return domain.StatusFailed
	case "TIP", "TA", "PENDING", "IN PROGRESS":
		return domain.StatusPending
	default:
		return domain.StatusPending
	}
}
