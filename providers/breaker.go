package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"momo-orchestrator/domain"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type breakerProvider struct {
	PaymentProvider
	cb *gobreaker.CircuitBreaker
}

// WithBreaker fails calls fast once a provider looks down. Only outages
// (transport errors and 5xx responses) count towards tripping; a declined
// payment says nothing about the provider's health. The breaker never
// retries.
func WithBreaker(p PaymentProvider, maxFailures uint32, openTimeout time.Duration, logger *zap.Logger) PaymentProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFailures == 0 {
		maxFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        string(p.Name()),
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return !isOutage(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &breakerProvider{
		PaymentProvider: p,
		cb:              gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerProvider) Authenticate(ctx context.Context) (*AccessToken, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.PaymentProvider.Authenticate(ctx)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, &domain.AuthError{Provider: b.Name(), Err: b.unavailable(err)}
		}
		return nil, err
	}
	return v.(*AccessToken), nil
}

func (b *breakerProvider) InitiatePayment(ctx context.Context, token *AccessToken, req PaymentRequest) (*InitiateResult, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.PaymentProvider.InitiatePayment(ctx, token, req)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, b.unavailable(err)
		}
		return nil, err
	}
	return v.(*InitiateResult), nil
}

func (b *breakerProvider) CheckStatus(ctx context.Context, token *AccessToken, q StatusQuery) (*StatusResult, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.PaymentProvider.CheckStatus(ctx, token, q)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, b.unavailable(err)
		}
		return nil, err
	}
	return v.(*StatusResult), nil
}

func (b *breakerProvider) unavailable(err error) *domain.GatewayError {
	return &domain.GatewayError{Provider: b.Name(), HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func isOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var gw *domain.GatewayError
	if errors.As(err, &gw) {
		return gw.Temporary()
	}
	return false
}
