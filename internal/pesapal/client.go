package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const (
	endpointRequestToken   = "/api/Auth/RequestToken"
	endpointSubmitOrder    = "/api/Transactions/SubmitOrderRequest"
	endpointTransactionGet = "/api/Transactions/GetTransactionStatus"
	endpointRegisterIPN    = "/api/URLSetup/RegisterIPN"

	maxErrorBodyLen = 200
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	BaseURLs       []string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	TokenTTL       time.Duration
}

// Client talks to the Pesapal v3 API. It holds no payment state; the bearer
// token lives in the injected TokenCache.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenCache
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger

	tokenMu sync.Mutex
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a gateway client
func NewClient(cfg Config, tokens TokenCache, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 4 * time.Minute
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache(nil)
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
		sleep:  sleepContext,
		logger: util.GetLogger().Named("pesapal"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns a cached bearer token or requests a new one. Blank
// credentials are a configuration error and no request is made.
func (c *Client) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	key := strings.TrimSpace(c.cfg.ConsumerKey)
	secret := strings.TrimSpace(c.cfg.ConsumerSecret)
	if key == "" || secret == "" {
		return "", apperr.New(apperr.KindConfiguration, "gateway consumer key and secret must be configured")
	}

	if !forceRefresh {
		if token, ok := c.tokens.Get(ctx); ok {
			return token, nil
		}
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if !forceRefresh {
		if token, ok := c.tokens.Get(ctx); ok {
			return token, nil
		}
	}

	var resp tokenResponse
	err := c.do(ctx, call{
		name:     "request_token",
		method:   http.MethodPost,
		endpoint: endpointRequestToken,
		body:     tokenRequest{ConsumerKey: key, ConsumerSecret: secret},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", apperr.New(apperr.KindGatewayRejected, "gateway returned an empty token")
	}

	c.tokens.Set(ctx, resp.Token, c.cfg.TokenTTL)
	c.logger.Info("Gateway token acquired",
		zap.String("token", maskSecret(resp.Token)),
		zap.Duration("ttl", c.cfg.TokenTTL))
	return resp.Token, nil
}

// SubmitOrderRequest registers an order with the gateway and returns the
// tracking id and the redirect URL for the payer.
func (c *Client) SubmitOrderRequest(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error) {
	if req == nil {
		return nil, apperr.New(apperr.KindValidation, "order request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp SubmitOrderResponse
	err := c.do(ctx, call{
		name:     "submit_order",
		method:   http.MethodPost,
		endpoint: endpointSubmitOrder,
		body:     req,
		auth:     true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.OrderTrackingID == "" || resp.RedirectURL == "" {
		return nil, apperr.New(apperr.KindGatewayRejected, "invalid gateway response: missing order_tracking_id or redirect_url")
	}
	return &resp, nil
}

// GetTransactionStatus queries the current state of a payment attempt.
func (c *Client) GetTransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, apperr.New(apperr.KindValidation, "tracking id is required")
	}

	var resp TransactionStatus
	err := c.do(ctx, call{
		name:     "transaction_status",
		method:   http.MethodGet,
		endpoint: endpointTransactionGet,
		query:    url.Values{"orderTrackingId": []string{trackingID}},
		auth:     true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterIPN registers a webhook URL and returns its notification id.
func (c *Client) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (string, error) {
	if err := validate.Var(ipnURL, "required,url"); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "ipn url must be a valid URL")
	}
	notificationType = strings.ToUpper(strings.TrimSpace(notificationType))
	if notificationType != http.MethodGet && notificationType != http.MethodPost {
		return "", apperr.Newf(apperr.KindValidation, "ipn notification type must be GET or POST, got %q", notificationType)
	}

	var resp registerIPNResponse
	err := c.do(ctx, call{
		name:     "register_ipn",
		method:   http.MethodPost,
		endpoint: endpointRegisterIPN,
		body:     registerIPNRequest{URL: ipnURL, IPNNotificationType: notificationType},
		auth:     true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.IPNID == "" {
		return "", apperr.New(apperr.KindGatewayRejected, "gateway did not return an ipn_id")
	}

	c.logger.Info("IPN URL registered", zap.String("url", ipnURL), zap.String("ipn_id", resp.IPNID))
	return resp.IPNID, nil
}

type call struct {
	name     string
	method   string
	endpoint string
	query    url.Values
	body     any
	auth     bool
}

// do runs a call against each base URL in order. 502/503/504 and transport
// errors are retried with linear backoff before moving to the next URL.
// A 401/403 on an authenticated call invalidates the token and retries once.
// Any other non-2xx response fails immediately.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	if len(c.cfg.BaseURLs) == 0 {
		return apperr.New(apperr.KindConfiguration, "no gateway base URL configured")
	}

	ctx, span := util.StartSpan(ctx, "pesapal."+cl.name)
	defer span.End()

	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "failed to encode request")
		}
	}

	authRetried := false
	var lastErr error

	for _, base := range c.cfg.BaseURLs {
		retries := 0
		for {
			status, body, err := c.send(ctx, base, cl, payload)
			if err != nil {
				if ctx.Err() != nil {
					return apperr.Wrap(apperr.KindRetryable, ctx.Err(), "gateway request cancelled")
				}
				if apperr.As(err) != nil {
					return err
				}
				lastErr = err
				c.logger.Warn("Gateway network error",
					zap.String("call", cl.name),
					zap.String("base_url", base),
					zap.Int("retry", retries),
					zap.Error(err))
			} else {
				switch {
				case status >= 200 && status < 300:
					if msg := bodyError(body); msg != "" {
						return apperr.New(apperr.KindGatewayRejected, msg)
					}
					if out != nil && len(body) > 0 {
						if err := json.Unmarshal(body, out); err != nil {
							return apperr.Wrap(apperr.KindGatewayRejected, err, "failed to decode gateway response")
						}
					}
					return nil

				case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
					lastErr = fmt.Errorf("HTTP %d from %s", status, base)
					c.logger.Warn("Gateway unavailable",
						zap.String("call", cl.name),
						zap.String("base_url", base),
						zap.Int("status", status),
						zap.Int("retry", retries))

				case status == http.StatusUnauthorized || status == http.StatusForbidden:
					msg := errorMessage(body, status)
					if cl.auth && !authRetried {
						authRetried = true
						c.tokens.Invalidate(ctx)
						util.GatewayRetriesTotal.WithLabelValues("auth").Inc()
						c.logger.Warn("Gateway rejected token, retrying with a fresh one",
							zap.String("call", cl.name),
							zap.Int("status", status),
							zap.String("error", msg))
						continue
					}
					return apperr.Newf(apperr.KindGatewayRejected, "authentication failed (%d): %s", status, msg)

				default:
					msg := errorMessage(body, status)
					c.logger.Warn("Gateway request failed",
						zap.String("call", cl.name),
						zap.Int("status", status),
						zap.String("error", msg))
					return apperr.Newf(apperr.KindGatewayRejected, "API request failed (%d): %s", status, msg)
				}
			}

			if retries >= c.cfg.MaxRetries {
				break
			}
			retries++
			util.GatewayRetriesTotal.WithLabelValues("transient").Inc()
			if err := c.sleep(ctx, c.cfg.RetryDelay*time.Duration(retries)); err != nil {
				return apperr.Wrap(apperr.KindRetryable, err, "gateway request cancelled")
			}
		}
	}

	c.logger.Error("All gateway endpoints failed", zap.String("call", cl.name), zap.Error(lastErr))
	return apperr.Wrap(apperr.KindRetryable, lastErr, "all endpoints failed, please try again later")
}

// send performs one HTTP exchange. Errors returned are transport errors or
// token acquisition failures (already typed).
func (c *Client) send(ctx context.Context, base string, cl call, payload []byte) (int, []byte, error) {
	target := base + cl.endpoint
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, reader)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindConfiguration, err, "invalid gateway URL")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if cl.auth {
		token, err := c.AccessToken(ctx, false)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		util.GatewayRequestDuration.WithLabelValues(cl.name, "error").Observe(time.Since(start).Seconds())
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	util.GatewayRequestDuration.WithLabelValues(cl.name, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, nil, err
	}

	c.logger.Debug("Gateway response",
		zap.String("call", cl.name),
		zap.String("url", base+cl.endpoint),
		zap.Int("status", resp.StatusCode))
	return resp.StatusCode, body, nil
}

// bodyError returns the gateway's error message when a body carries a
// non-empty "error" field.
func bodyError(body []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	raw, ok := envelope["error"]
	if !ok {
		return ""
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, field := range []string{"message", "error_type", "error_description", "code"} {
			if s, ok := obj[field].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
		return ""
	}
	return rawString(raw)
}

// errorMessage extracts a readable message from a failed response.
func errorMessage(body []byte, status int) string {
	if msg := bodyError(body); msg != "" {
		return msg
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, field := range []string{"errorMessage", "error_description", "detail", "message"} {
			if s, ok := obj[field].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > maxErrorBodyLen {
			text = text[:maxErrorBodyLen]
		}
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:8] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
