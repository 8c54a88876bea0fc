package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"momo-orchestrator/config"
	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAirtelServer(t *testing.T, enquiryStatus string, paymentSuccess bool) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		var body airtelTokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.ClientSecret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "client_credentials", body.GrantType)
		// Airtel sends expires_in as a string on some markets.
		w.Write([]byte(`{"access_token":"airtel-token","expires_in":"180","token_type":"bearer"}`))
	})
	mux.HandleFunc("/merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer airtel-token", r.Header.Get("Authorization"))
		assert.Equal(t, "UG", r.Header.Get("X-Country"))
		assert.Equal(t, "UGX", r.Header.Get("X-Currency"))

		var raw map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		txn := raw["transaction"].(map[string]any)
		assert.Equal(t, float64(5000), txn["amount"])
		sub := raw["subscriber"].(map[string]any)
		assert.Equal(t, "256774123456", sub["msisdn"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"transaction": map[string]any{"id": txn["id"], "status": "Success."}},
			"status": map[string]any{
				"code":    "200",
				"message": "SUCCESS",
				"success": paymentSuccess,
			},
		})
	})
	mux.HandleFunc("/standard/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"transaction": map[string]any{
				"airtel_money_id": "MP210603.1234.L06941",
				"id":              "ref-1",
				"status":          enquiryStatus,
			}},
			"status": map[string]any{"code": "200", "success": true},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func airtelConfig(baseURL string) config.AirtelConfig {
	return config.AirtelConfig{
		BaseURL:      baseURL,
		ClientID:     "client",
		ClientSecret: "secret",
		Country:      "UG",
		Currency:     "UGX",
	}
}

func TestAirtelProvider_FullFlow(t *testing.T) {
	srv := newAirtelServer(t, "TS", true)
	p := NewAirtelProvider(airtelConfig(srv.URL), srv.Client())
	ctx := context.Background()

	tok, err := p.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "airtel-token", tok.Value)

	res, err := p.InitiatePayment(ctx, tok, PaymentRequest{
		Amount:      decimal.NewFromInt(5000),
		Currency:    "UGX",
		PhoneNumber: "+256 774 123456",
		Reference:   "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", res.ProviderRef)
	assert.Equal(t, domain.StatusPending, res.Status)

	st, err := p.CheckStatus(ctx, tok, StatusQuery{ProviderRef: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, st.Status)
	assert.Equal(t, domain.ProviderAirtel, st.Raw.Provider())
}

func TestAirtelProvider_DeclinedEnquiry(t *testing.T) {
	srv := newAirtelServer(t, "TF", true)
	p := NewAirtelProvider(airtelConfig(srv.URL), srv.Client())

	st, err := p.CheckStatus(context.Background(), &AccessToken{Value: "airtel-token"}, StatusQuery{ProviderRef: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, st.Status)
}

func TestAirtelProvider_EnquiryUsesTransactionCurrency(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Currency"))
		w.Write([]byte(`{"data":{"transaction":{"id":"ref-1","status":"TIP"}},"status":{"code":"200","success":true}}`))
	}))
	defer srv.Close()
	p := NewAirtelProvider(airtelConfig(srv.URL), srv.Client())
	tok := &AccessToken{Value: "airtel-token"}

	_, err := p.CheckStatus(context.Background(), tok, StatusQuery{ProviderRef: "ref-1", Currency: "KES"})
	require.NoError(t, err)
	_, err = p.CheckStatus(context.Background(), tok, StatusQuery{ProviderRef: "ref-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"KES", "UGX"}, seen)
}

func TestAirtelProvider_UnsuccessfulEnvelopeIsGatewayError(t *testing.T) {
	srv := newAirtelServer(t, "TIP", false)
	p := NewAirtelProvider(airtelConfig(srv.URL), srv.Client())

	_, err := p.InitiatePayment(context.Background(), &AccessToken{Value: "airtel-token"}, PaymentRequest{
		Amount:      decimal.NewFromInt(5000),
		Currency:    "UGX",
		PhoneNumber: "256774123456",
		Reference:   "ref-9",
	})
	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, http.StatusOK, gw.HTTPStatus)
	assert.Contains(t, gw.RawBody, `"success":false`)
}

func TestAirtelProvider_AuthFailure(t *testing.T) {
	srv := newAirtelServer(t, "TS", true)
	cfg := airtelConfig(srv.URL)
	cfg.ClientSecret = "nope"
	p := NewAirtelProvider(cfg, srv.Client())

	_, err := p.Authenticate(context.Background())
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.ProviderAirtel, authErr.Provider)
}
