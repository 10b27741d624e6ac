package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTokens struct {
	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
}

func newMemTokens() *memTokens {
	return &memTokens{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memTokens) GetString(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memTokens) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = val
	m.ttls[key] = ttl
	return nil
}

func (m *memTokens) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.vals, k)
	}
	return nil
}

type fakeDaraja struct {
	tokenCalls int
	pushStatus int
	pushBody   string
	queryBody  string
	queryCode  int
	lastPush   stkPushRequest
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		f.tokenCalls++
		_, _ = io.WriteString(w, `{"access_token":"tok-1","expires_in":"3599"}`)
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastPush))
		w.WriteHeader(f.pushStatus)
		_, _ = io.WriteString(w, f.pushBody)
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.queryCode)
		_, _ = io.WriteString(w, f.queryBody)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeDaraja, tokens TokenCache) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "pass",
		CallbackURL:    "https://example.test/payments/mpesa/callback",
		Timeout:        2 * time.Second,
	}, srv.Client(), tokens, "tok-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestInitiate_Accepted(t *testing.T) {
	f := &fakeDaraja{
		pushStatus: http.StatusOK,
		pushBody:   `{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success","CustomerMessage":"Success"}`,
	}
	tokens := newMemTokens()
	c := newTestClient(t, f, tokens)

	h, err := c.Initiate(context.Background(), InitiateRequest{
		Amount: 1500, Phone: "0712345678", AccountReference: "order-1", Description: "Tickets",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", h.CheckoutRequestID)
	assert.Equal(t, "m-1", h.MerchantRequestID)

	assert.Equal(t, "254712345678", f.lastPush.PhoneNumber)
	assert.Equal(t, "254712345678", f.lastPush.PartyA)
	assert.Equal(t, "174379", f.lastPush.PartyB)
	assert.Equal(t, "CustomerPayBillOnline", f.lastPush.TransactionType)
	assert.Equal(t, int64(1500), f.lastPush.Amount)
	assert.Equal(t, "20250301123000", f.lastPush.Timestamp)
	want := base64.StdEncoding.EncodeToString([]byte("174379" + "pass" + "20250301123000"))
	assert.Equal(t, want, f.lastPush.Password)

	_, err = c.Initiate(context.Background(), InitiateRequest{Amount: 10, Phone: "254712345678"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.tokenCalls, "token is reused from the cache")
	assert.Equal(t, 3599*time.Second-tokenSafetyMargin, tokens.ttls["tok-key"])
}

func TestInitiate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusServiceUnavailable, `{}`, ErrGatewayUnavailable},
		{"bad request", http.StatusBadRequest, `{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`, ErrGatewayRejected},
		{"non-zero response code", http.StatusOK, `{"CheckoutRequestID":"ws_CO_2","ResponseCode":"1","ResponseDescription":"Rejected"}`, ErrGatewayRejected},
		{"garbage body", http.StatusOK, `not json`, ErrGatewayUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeDaraja{pushStatus: tt.status, pushBody: tt.body}
			c := newTestClient(t, f, nil)

			_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 100, Phone: "0712345678"})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInitiate_RejectedCarriesCode(t *testing.T) {
	f := &fakeDaraja{pushStatus: http.StatusBadRequest, pushBody: `{"errorCode":"400.002.02","errorMessage":"Invalid Amount"}`}
	c := newTestClient(t, f, nil)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 100, Phone: "0712345678"})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "400.002.02", rej.Code)
}

func TestInitiate_InvalidPhoneNeverCallsGateway(t *testing.T) {
	f := &fakeDaraja{}
	c := newTestClient(t, f, nil)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 100, Phone: "12345"})
	require.ErrorIs(t, err, ErrInvalidPhone)
	assert.Zero(t, f.tokenCalls)
}

func TestInitiate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			_, _ = io.WriteString(w, `{"access_token":"tok","expires_in":"3599"}`)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ShortCode: "174379", Timeout: 50 * time.Millisecond},
		srv.Client(), nil, "k", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 100, Phone: "0712345678"})
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    *QueryResult
		wantErr error
	}{
		{
			name:   "paid",
			status: http.StatusOK,
			body:   `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
			want:   &QueryResult{ResultCode: 0, ResultDesc: "The service request is processed successfully."},
		},
		{
			name:   "cancelled",
			status: http.StatusOK,
			body:   `{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`,
			want:   &QueryResult{ResultCode: ResultCancelled, ResultDesc: "Request cancelled by user"},
		},
		{
			name:   "still processing",
			status: http.StatusInternalServerError,
			body:   `{"requestId":"r","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
			want:   &QueryResult{Pending: true, ResultDesc: "The transaction is being processed"},
		},
		{
			name:    "gateway down",
			status:  http.StatusBadGateway,
			body:    ``,
			wantErr: ErrGatewayUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeDaraja{queryCode: tt.status, queryBody: tt.body}
			c := newTestClient(t, f, nil)

			got, err := c.Query(context.Background(), "ws_CO_1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
