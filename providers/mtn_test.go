package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"momo-orchestrator/config"
	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMTNServer(t *testing.T, status string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/collection/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api-user" || pass != "api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"login_failed"}`))
			return
		}
		assert.Equal(t, "sub-key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "mtn-token",
			"token_type":   "access_token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/collection/v1_0/requesttopay", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer mtn-token", r.Header.Get("Authorization"))
		assert.Equal(t, "sandbox", r.Header.Get("X-Target-Environment"))
		assert.NotEmpty(t, r.Header.Get("X-Reference-Id"))

		var body mtnRequestToPay
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Payer.PartyID == "000" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":"PAYER_NOT_FOUND"}`))
			return
		}
		assert.Equal(t, "5000", body.Amount)
		assert.Equal(t, "MSISDN", body.Payer.PartyIDType)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/collection/v1_0/requesttopay/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"amount":     "5000",
			"currency":   "UGX",
			"externalId": "ref-1",
			"status":     status,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func mtnConfig(baseURL string) config.MTNConfig {
	return config.MTNConfig{
		BaseURL:           baseURL,
		ClientID:          "api-user",
		ClientSecret:      "api-key",
		SubscriptionKey:   "sub-key",
		TargetEnvironment: "sandbox",
	}
}

func TestMTNProvider_FullFlow(t *testing.T) {
	srv, _ := newMTNServer(t, "SUCCESSFUL")
	p := NewMTNProvider(mtnConfig(srv.URL), srv.Client())
	p.newRef = func() string { return "mtn-ref-1" }
	ctx := context.Background()

	tok, err := p.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mtn-token", tok.Value)
	assert.True(t, tok.Valid(time.Now(), time.Minute))

	res, err := p.InitiatePayment(ctx, tok, PaymentRequest{
		Amount:      decimal.NewFromInt(5000),
		Currency:    "UGX",
		PhoneNumber: "074123456",
		Reference:   "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "mtn-ref-1", res.ProviderRef)
	assert.Equal(t, domain.StatusPending, res.Status)

	st, err := p.CheckStatus(ctx, tok, StatusQuery{ProviderRef: res.ProviderRef})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, st.Status)
	assert.Equal(t, "SUCCESSFUL", st.Raw.String())
	assert.Contains(t, string(st.RawPayload), `"externalId":"ref-1"`)
}

func TestMTNProvider_UnknownStatusIsPending(t *testing.T) {
	srv, _ := newMTNServer(t, "SOMETHING_NEW")
	p := NewMTNProvider(mtnConfig(srv.URL), srv.Client())

	st, err := p.CheckStatus(context.Background(), &AccessToken{Value: "mtn-token"}, StatusQuery{ProviderRef: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)
}

func TestMTNProvider_BadCredentials(t *testing.T) {
	srv, _ := newMTNServer(t, "PENDING")
	cfg := mtnConfig(srv.URL)
	cfg.ClientSecret = "wrong"
	p := NewMTNProvider(cfg, srv.Client())

	_, err := p.Authenticate(context.Background())
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, http.StatusUnauthorized, gw.HTTPStatus)
}

func TestMTNProvider_MissingCredentialsSkipNetwork(t *testing.T) {
	srv, calls := newMTNServer(t, "PENDING")
	cfg := mtnConfig(srv.URL)
	cfg.ClientID = ""
	p := NewMTNProvider(cfg, srv.Client())

	_, err := p.Authenticate(context.Background())
	require.ErrorIs(t, err, domain.ErrMissingCredentials)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestMTNProvider_RejectedPaymentCarriesBody(t *testing.T) {
	srv, _ := newMTNServer(t, "PENDING")
	p := NewMTNProvider(mtnConfig(srv.URL), srv.Client())

	_, err := p.InitiatePayment(context.Background(), &AccessToken{Value: "mtn-token"}, PaymentRequest{
		Amount:      decimal.NewFromInt(5000),
		Currency:    "UGX",
		PhoneNumber: "000",
		Reference:   "ref-2",
	})
	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, http.StatusBadRequest, gw.HTTPStatus)
	assert.Contains(t, gw.RawBody, "PAYER_NOT_FOUND")
	assert.False(t, gw.Temporary())
}

func TestMTNProvider_TransportFailure(t *testing.T) {
	srv, _ := newMTNServer(t, "PENDING")
	srv.Close()
	p := NewMTNProvider(mtnConfig(srv.URL), &http.Client{Timeout: time.Second})

	_, err := p.CheckStatus(context.Background(), &AccessToken{Value: "t"}, StatusQuery{ProviderRef: "ref"})
	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, 0, gw.HTTPStatus)
	assert.True(t, gw.Temporary())
}
