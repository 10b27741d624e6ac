// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	timestampLayout = "20060102150405"
	transactionType = "CustomerPayBillOnline"

	// Query answers with this code while the customer has not acted yet.
	errCodeProcessing = "500.001.1001"

	tokenSafetyMargin = 60 * time.Second
)

var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

// TokenCache stores OAuth tokens across replicas.
type TokenCache interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, val string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Client struct {
	cfg      Config
	hc       *http.Client
	tokens   TokenCache
	tokenKey string
	logger   *slog.Logger
	now      func() time.Time
}

// NewClient returns a Client. tokens may be nil, in which case a token is
// fetched for every call.
func NewClient(cfg Config, hc *http.Client, tokens TokenCache, tokenKey string, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		cfg:      cfg,
		hc:       hc,
		tokens:   tokens,
		tokenKey: tokenKey,
		logger:   logger,
		now:      time.Now,
	}
}

// InitiateRequest asks for an STK push. Amount is in whole shillings.
type InitiateRequest struct {
	Amount           int64
	Phone            string
	AccountReference string
	Description      string
}

// Handle identifies an accepted push; CheckoutRequestID is the key the
// callback is correlated by.
type Handle struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// QueryResult is the state of a push as reported by the query endpoint.
type QueryResult struct {
	Pending    bool
	ResultCode int
	ResultDesc string
}

// Initiate sends an STK push to the customer's phone.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	const op = "mpesa.Client.Initiate"

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive, got %d", op, req.Amount)
	}

	ts := c.now().In(eat).Format(timestampLayout)
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var resp stkPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("%s: %w", op, &RejectedError{Code: resp.ResponseCode, Message: resp.ResponseDescription})
	}
	if resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%s: %w: empty CheckoutRequestID", op, ErrGatewayUnavailable)
	}

	return &Handle{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// Query asks M-Pesa for the outcome of an earlier push.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	const op = "mpesa.Client.Query"

	ts := c.now().In(eat).Format(timestampLayout)
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	err := c.post(ctx, "/mpesa/stkpushquery/v1/query", body, &resp)

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.body.ErrorCode == errCodeProcessing {
		return &QueryResult{Pending: true, ResultDesc: apiErr.body.ErrorMessage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	code, convErr := strconv.Atoi(resp.ResultCode)
	if convErr != nil {
		return nil, fmt.Errorf("%s: %w: ResultCode %q", op, ErrGatewayUnavailable, resp.ResultCode)
	}

	return &QueryResult{ResultCode: code, ResultDesc: resp.ResultDesc}, nil
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + ts))
}

// apiError is a non-2xx answer with a Daraja error body.
type apiError struct {
	status int
	body   errorResponse
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s %s", e.status, e.body.ErrorCode, e.body.ErrorMessage)
}

func (e *apiError) Unwrap() error {
	if e.status >= 500 || e.status == http.StatusUnauthorized {
		return ErrGatewayUnavailable
	}
	return &RejectedError{Code: e.body.ErrorCode, Message: e.body.ErrorMessage}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{status: resp.StatusCode}
		_ = json.Unmarshal(raw, &apiErr.body)
		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken(ctx)
		}
		c.logger.WarnContext(ctx, "mpesa request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("error_code", apiErr.body.ErrorCode),
			slog.String("error_message", apiErr.body.ErrorMessage),
		)
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrGatewayUnavailable, err)
	}

	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens != nil {
		if tok, ok, err := c.tokens.GetString(ctx, c.tokenKey); err == nil && ok {
			return tok, nil
		}
	}

	tok, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	if c.tokens != nil && ttl > tokenSafetyMargin {
		if err := c.tokens.SetString(ctx, c.tokenKey, tok, ttl-tokenSafetyMargin); err != nil {
			c.logger.WarnContext(ctx, "mpesa token not cached", slog.Any("err", err))
		}
	}

	return tok, nil
}

func (c *Client) dropToken(ctx context.Context) {
	if c.tokens == nil {
		return
	}
	_ = c.tokens.Del(ctx, c.tokenKey)
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: token: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: token: bad response", ErrGatewayUnavailable)
	}

	secs, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil {
		secs = 0
	}

	return tr.AccessToken, time.Duration(secs) * time.Second, nil
}
