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

	"github.com/google/uuid"
)

// MTNProvider talks to the MTN MoMo collection API.
type MTNProvider struct {
	cfg        config.MTNConfig
	httpClient *http.Client
	now        func() time.Time
	newRef     func() string
}

func NewMTNProvider(cfg config.MTNConfig, httpClient *http.Client) *MTNProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &MTNProvider{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
		newRef:     uuid.NewString,
	}
}

func (p *MTNProvider) Name() domain.Provider {
	return domain.ProviderMTN
}

type mtnTokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   flexSeconds `json:"expires_in"`
}

type mtnParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnRequestToPay struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payer        mtnParty `json:"payer"`
	PayerMessage string   `json:"payerMessage"`
	PayeeNote    string   `json:"payeeNote"`
}

type mtnRequestToPayStatus struct {
	Amount                 string          `json:"amount"`
	Currency               string          `json:"currency"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Payer                  mtnParty        `json:"payer"`
	Status                 string          `json:"status"`
	Reason                 json.RawMessage `json:"reason,omitempty"`
}

// Authenticate exchanges the API user and key for a bearer token.
func (p *MTNProvider) Authenticate(ctx context.Context) (*AccessToken, error) {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return nil, &domain.AuthError{Provider: p.Name(), Err: domain.ErrMissingCredentials}
	}

	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method:    http.MethodPost,
		url:       joinURL(p.cfg.BaseURL, "/collection/token/"),
		headers:   p.subscriptionHeaders(),
		basicUser: p.cfg.ClientID,
		basicPass: p.cfg.ClientSecret,
	})
	if err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Err: &domain.GatewayError{Provider: p.Name(), Err: err}}
	}
	if !isSuccess(code) {
		return nil, &domain.AuthError{Provider: p.Name(), Err: &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}}
	}

	var token mtnTokenResponse
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

// InitiatePayment sends a request-to-pay. MTN answers 202 with an empty body;
// the X-Reference-Id we generate is the handle for later status lookups.
func (p *MTNProvider) InitiatePayment(ctx context.Context, token *AccessToken, req PaymentRequest) (*InitiateResult, error) {
	referenceID := p.newRef()
	body := mtnRequestToPay{
		Amount:     req.Amount.String(),
		Currency:   req.Currency,
		ExternalID: req.Reference,
		Payer: mtnParty{
			PartyIDType: "MSISDN",
			PartyID:     domain.NormalizeMSISDN(req.PhoneNumber),
		},
		PayerMessage: req.Description,
		PayeeNote:    req.Reference,
	}

	headers := p.subscriptionHeaders()
	headers["Authorization"] = "Bearer " + token.Value
	headers["X-Reference-Id"] = referenceID
	headers["X-Target-Environment"] = p.cfg.TargetEnvironment

	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method:  http.MethodPost,
		url:     joinURL(p.cfg.BaseURL, "/collection/v1_0/requesttopay"),
		headers: headers,
		body:    body,
	})
	if err != nil {
		return nil, &domain.GatewayError{Provider: p.Name(), Err: err}
	}
	if !isSuccess(code) {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	payload, _ := json.Marshal(map[string]any{
		"referenceId": referenceID,
		"externalId":  req.Reference,
		"httpStatus":  code,
		"status":      string(domain.StatusPending),
	})

	return &InitiateResult{
		ProviderRef: referenceID,
		Status:      domain.StatusPending,
		RawPayload:  payload,
	}, nil
}

// CheckStatus looks up a request-to-pay by the reference id it was sent with.
func (p *MTNProvider) CheckStatus(ctx context.Context, token *AccessToken, q StatusQuery) (*StatusResult, error) {
	headers := p.subscriptionHeaders()
	headers["Authorization"] = "Bearer " + token.Value
	headers["X-Target-Environment"] = p.cfg.TargetEnvironment

	code, raw, err := send(ctx, p.httpClient, apiRequest{
		method:  http.MethodGet,
		url:     joinURL(p.cfg.BaseURL, "/collection/v1_0/requesttopay/"+url.PathEscape(q.ProviderRef)),
		headers: headers,
	})
	if err != nil {
		return nil, &domain.GatewayError{Provider: p.Name(), Err: err}
	}
	if !isSuccess(code) {
		return nil, &domain.GatewayError{Provider: p.Name(), HTTPStatus: code, RawBody: string(raw)}
	}

	var resp mtnRequestToPayStatus
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.GatewayError{
			Provider:   p.Name(),
			HTTPStatus: code,
			RawBody:    string(raw),
			Err:        fmt.Errorf("failed to parse status response: %w", err),
		}
	}

	status := MTNStatus(resp.Status)
	return &StatusResult{
		Status:     status.Normalize(),
		Raw:        status,
		RawPayload: json.RawMessage(raw),
	}, nil
}

func (p *MTNProvider) subscriptionHeaders() map[string]string {
	headers := map[string]string{}
	if p.cfg.SubscriptionKey != "" {
		headers["Ocp-Apim-Subscription-Key"] = p.cfg.SubscriptionKey
	}
	return headers
}
