package providers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"momo-orchestrator/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tokenSkew is kept in reserve so a token is never used in its last seconds.
const tokenSkew = 30 * time.Second

// TokenStore shares tokens between orchestrator instances.
type TokenStore interface {
	GetToken(ctx context.Context, provider domain.Provider) (*AccessToken, error)
	SetToken(ctx context.Context, provider domain.Provider, token *AccessToken) error
}

type cachedAuthProvider struct {
	PaymentProvider
	shared TokenStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	token *AccessToken
	group singleflight.Group
}

// WithTokenCache reuses tokens until shortly before their declared expiry.
// Concurrent refreshes collapse into one call to the wrapped provider. A
// nil shared store keeps the cache in process.
func WithTokenCache(p PaymentProvider, shared TokenStore, logger *zap.Logger) PaymentProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cachedAuthProvider{
		PaymentProvider: p,
		shared:          shared,
		logger:          logger,
		now:             time.Now,
	}
}

func (c *cachedAuthProvider) Authenticate(ctx context.Context) (*AccessToken, error) {
	if tok := c.local(); tok != nil {
		return tok, nil
	}

	v, err, _ := c.group.Do(string(c.Name()), func() (interface{}, error) {
		if tok := c.local(); tok != nil {
			return tok, nil
		}

		if c.shared != nil {
			tok, err := c.shared.GetToken(ctx, c.Name())
			if err != nil {
				c.logger.Warn("shared token lookup failed",
					zap.String("provider", string(c.Name())),
					zap.Error(err))
			} else if tok.Valid(c.now(), tokenSkew) {
				c.store(tok)
				return tok, nil
			}
		}

		tok, err := c.PaymentProvider.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		c.store(tok)

		if c.shared != nil && tok.Valid(c.now(), tokenSkew) {
			if err := c.shared.SetToken(ctx, c.Name(), tok); err != nil {
				c.logger.Warn("failed to share provider token",
					zap.String("provider", string(c.Name())),
					zap.Error(err))
			}
		}
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccessToken), nil
}

func (c *cachedAuthProvider) InitiatePayment(ctx context.Context, token *AccessToken, req PaymentRequest) (*InitiateResult, error) {
	res, err := c.PaymentProvider.InitiatePayment(ctx, token, req)
	c.dropOnUnauthorized(err)
	return res, err
}

func (c *cachedAuthProvider) CheckStatus(ctx context.Context, token *AccessToken, q StatusQuery) (*StatusResult, error) {
	res, err := c.PaymentProvider.CheckStatus(ctx, token, q)
	c.dropOnUnauthorized(err)
	return res, err
}

func (c *cachedAuthProvider) local() *AccessToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid(c.now(), tokenSkew) {
		return c.token
	}
	return nil
}

func (c *cachedAuthProvider) store(tok *AccessToken) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// A token revoked before its expiry shows up as 401 on the next call.
func (c *cachedAuthProvider) dropOnUnauthorized(err error) {
	var gw *domain.GatewayError
	if errors.As(err, &gw) && gw.HTTPStatus == http.StatusUnauthorized {
		c.store(nil)
	}
}
