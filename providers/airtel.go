package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"momo-orchestrator/config"
	"momo-orchestrator/domain"
)

// AirtelProvider talks to the Airtel Money collection API.
type AirtelProvider struct {
	cfg        config.AirtelConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewAirtelProvider(cfg config.AirtelConfig, httpClient *http.Client) *AirtelProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AirtelProvider{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (p *AirtelProvider) Name() domain.Provider {
	return domain.ProviderAirtel
}

type airtelTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type airtelTokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   flexSeconds `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type airtelSubscriber struct {
	Country  string `json:"country"`
	Currency string `json:"currency"`
	MSISDN   string `json:"msisdn"`
}

type airtelTransaction struct {
	Amount   json.Number `json:"amount"`
	Country  string      `json:"country"`
	Currency string      `json:"currency"`
	ID       string      `json:"id"`
}

type airtelPaymentRequest struct {
	Reference   string            `json:"reference"`
	Subscriber  airtelSubscriber  `json:"subscriber"`
	Transaction airtelTransaction `json:"transaction"`
}

// airtelEnvelope is the shape shared by payment and enquiry responses.
type airtelEnvelope struct {
	Data struct {
		Transaction struct {
			ID            string `json:"id"`
			AirtelMoneyID string `json:"airtel_money_id"`
			Message       string `json:"message"`
			Status        string `json:"status"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		ResultCode   string `json:"result_code"`
		ResponseCode string `json:"response_code"`
		Success      bool   `json:"success"`
	} `json:"status"`
}

// Authenticate performs the OAuth2 client-credentials grant.
func (p *AirtelProvider) Authenticate(ctx context.Context) (*AccessToken, error) {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return nil, &domain.AuthError{Provider: p.Name(), Err: domain.ErrMissingCredentials}
	}

	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method: http.MethodPost,
		url:    joinURL(p.cfg.BaseURL, "/auth/oauth2/token"),
		body: airtelTokenRequest{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			GrantType:    "client_credentials",
		},
	})
	if err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Err: &domain.GatewayError{Provider: p.Name(), Err: err}}
	}
	if !isSuccess(code) {
		return nil, &domain.AuthError{Provider: p.Name(), Err: &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}}
	}

	var token airtelTokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &domain.AuthError{Provider: p.Name(), Err: fmt.Errorf("token response carried no access_token")}
	}

	return &AccessToken{
		Value:     token.AccessToken,
		ExpiresAt: p.now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, nil
}

// InitiatePayment pushes a USSD payment prompt to the subscriber. Airtel
// identifies the payment by the id we send, so the reference doubles as the
// provider reference.
func (p *AirtelProvider) InitiatePayment(ctx context.Context, token *AccessToken, req PaymentRequest) (*InitiateResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.cfg.Currency
	}

	body := airtelPaymentRequest{
		Reference: req.Description,
		Subscriber: airtelSubscriber{
			Country:  p.cfg.Country,
			Currency: currency,
			MSISDN:   domain.NormalizeMSISDN(req.PhoneNumber),
		},
		Transaction: airtelTransaction{
			Amount:   json.Number(req.Amount.String()),
			Country:  p.cfg.Country,
			Currency: currency,
			ID:       req.Reference,
		},
	}
	if body.Reference == "" {
		body.Reference = req.Reference
	}

	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method:  http.MethodPost,
		url:     joinURL(p.cfg.BaseURL, "/merchant/v1/payments/"),
		headers: p.headers(token, currency),
		body:    body,
	})
	if err != nil {
		return nil, &domain.GatewayError{Provider: p.Name(), Err: err}
	}
	if !isSuccess(code) {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	var resp airtelEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.GatewayError{
			Provider:   p.Name(),
			HTTPStatus: code,
			RawBody:    string(raw),
			Err:        fmt.Errorf("failed to parse payment response: %w", err),
		}
	}
	if !resp.Status.Success {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	providerRef := resp.Data.Transaction.ID
	if providerRef == "" {
		providerRef = req.Reference
	}

	return &InitiateResult{
		ProviderRef: providerRef,
		Status:      domain.StatusPending,
		RawPayload:  json.RawMessage(raw),
	}, nil
}

// CheckStatus runs a transaction enquiry.
func (p *AirtelProvider) CheckStatus(ctx context.Context, token *AccessToken, q StatusQuery) (*StatusResult, error) {
	currency := q.Currency
	if currency == "" {
		currency = p.cfg.Currency
	}
	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method:  http.MethodGet,
		url:     joinURL(p.cfg.BaseURL, "/standard/v1/payments/"+url.PathEscape(q.ProviderRef)),
		headers: p.headers(token, currency),
	})
	if err != nil {
		return nil, &domain.GatewayError{Provider: p.Name(), Err: err}
	}
	if !isSuccess(code) {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	var resp airtelEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.GatewayError{
			Provider:   p.Name(),
			HTTPStatus: code,
			RawBody:    string(raw),
			Err:        fmt.Errorf("failed to parse enquiry response: %w", err),
		}
	}
	if !resp.Status.Success {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	status := AirtelStatus(resp.Data.Transaction.Status)
	return &StatusResult{
		Status:     status.Normalize(),
		Raw:        status,
		RawPayload: json.RawMessage(raw),
	}, nil
}

func (p *AirtelProvider) headers(token *AccessToken, currency string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token.Value,
		"X-Country":     p.cfg.Country,
		"X-Currency":    currency,
	}
}
