package metrics

import (
	"errors"
	"time"

	"momo-orchestrator/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "momo_payment_initiations_total",
			Help: "Total number of payment initiations",
		},
		[]string{"provider", "result"},
	)

	statusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "momo_payment_status_checks_total",
			Help: "Total number of payment status checks",
		},
		[]string{"provider", "result"},
	)

	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "momo_provider_call_duration_seconds",
			Help:    "Duration of calls to mobile-money providers",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	expiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "momo_payments_expired_total",
			Help: "Total number of pending payments expired by the sweeper",
		},
		[]string{"provider"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "momo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "code"},
	)
)

// Result labels.
const (
	ResultOK         = "ok"
	ResultValidation = "validation_error"
	ResultAuth       = "auth_error"
	ResultGateway    = "gateway_error"
	ResultDuplicate  = "duplicate"
	ResultNotFound   = "not_found"
	ResultError      = "error"
)

// ResultOf classifies an error into a result label.
func ResultOf(err error) string {
	if err == nil {
		return ResultOK
	}
	var (
		vErr *domain.ValidationError
		aErr *domain.AuthError
		gErr *domain.GatewayError
	)
	switch {
	case errors.As(err, &vErr):
		return ResultValidation
	case errors.As(err, &aErr):
		return ResultAuth
	case errors.As(err, &gErr):
		return ResultGateway
	case errors.Is(err, domain.ErrDuplicateReference), errors.Is(err, domain.ErrReferenceInProgress):
		return ResultDuplicate
	case domain.IsNotFound(err):
		return ResultNotFound
	}
	return ResultError
}

func ObserveInitiation(provider domain.Provider, err error) {
	initiationsTotal.WithLabelValues(string(provider), ResultOf(err)).Inc()
}

// ObserveStatusCheck records a check; result is the stored status on success.
func ObserveStatusCheck(provider domain.Provider, status domain.Status, err error) {
	result := ResultOf(err)
	if err == nil {
		result = string(status)
	}
	statusChecksTotal.WithLabelValues(string(provider), result).Inc()
}

// TimeProviderCall starts a timer; call the returned func when the call returns.
func TimeProviderCall(provider domain.Provider, operation string) func() {
	start := time.Now()
	return func() {
		providerCallDuration.WithLabelValues(string(provider), operation).Observe(time.Since(start).Seconds())
	}
}

func ObserveExpired(provider domain.Provider) {
	expiredTotal.WithLabelValues(string(provider)).Inc()
}

func ObserveHTTPRequest(method, route string, code int) {
	httpRequestsTotal.WithLabelValues(method, route, statusCode(code)).Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
