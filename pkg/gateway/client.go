// Package gateway talks to the Fabric REST gateway: user login and chaincode
// invocation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (string, error)
}

type Invoker interface {
	Invoke(ctx context.Context, token string, inv Invocation) (*Result, error)
}

type Client struct {
	baseURL      *url.URL
	client       *http.Client
	limit        *rate.Limiter
	log          *zap.Logger
	timeout      time.Duration
	loginRetries uint64
	newBackOff   func() backoff.BackOff
}

type Option func(c *Client) error

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:      u,
		log:          zap.L(),
		limit:        rate.NewLimiter(rate.Every(time.Second), 4),
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:      30 * time.Second,
		loginRetries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}

	// apply the options
	for _, o := range opts {
		err := o(c)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) error {
		if h == nil {
			return errors.New("http client cannot be nil")
		}
		c.client = h
		return nil
	}
}

// WithRateLimit spaces gateway calls at least every apart, allowing bursts.
// A non-positive every disables the limit.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(c *Client) error {
		if every <= 0 {
			c.limit = rate.NewLimiter(rate.Inf, 0)
			return nil
		}
		if burst < 1 {
			return fmt.Errorf("rate limit burst must be at least 1, got %d", burst)
		}
		c.limit = rate.NewLimiter(rate.Every(every), burst)
		return nil
	}
}

// WithTimeout bounds every single gateway request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be greater than 0, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

func WithLoginRetries(n uint64) Option {
	return func(c *Client) error {
		c.loginRetries = n
		return nil
	}
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) error {
		c.newBackOff = f
		return nil
	}
}

// Login exchanges the credentials for a bearer token. Server errors and
// transport failures are retried; 4xx answers are not.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	var token string
	op := func() error {
		var resp loginResponse
		err := c.post(ctx, "login", c.endpoint("users"), "", "", creds, &resp)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.Success != nil && !*resp.Success {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrLoginRejected, resp.Message))
		}
		if resp.Token == "" {
			if resp.Message != "" {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNoToken, resp.Message))
			}
			return backoff.Permanent(ErrNoToken)
		}
		token = resp.Token
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.loginRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		c.log.Warn("login failed, retrying",
			zap.String("username", creds.Username),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return "", err
	}

	c.log.Debug("logged in", zap.String("username", creds.Username), zap.String("org", creds.OrgName))
	return token, nil
}

// Invoke submits a chaincode transaction using the bearer token.
func (c *Client) Invoke(ctx context.Context, token string, inv Invocation) (*Result, error) {
	requestID := uuid.NewString()
	endpoint := c.endpoint("channels", inv.ChannelName, "chaincodes", inv.ChaincodeName)

	res := &Result{RequestID: requestID}
	err := c.post(ctx, "invoke", endpoint, token, requestID, inv, res)
	if err != nil {
		return res, err
	}
	if msg := stringify(res.Error); msg != "" {
		return res, &TransactionError{Message: msg, Data: stringify(res.ErrorData)}
	}

	return res, nil
}

func (c *Client) endpoint(segments ...string) string {
	return c.baseURL.JoinPath(segments...).String()
}

func (c *Client) post(ctx context.Context, op, endpoint, token, requestID string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.log.Error("cannot create request", zap.String("op", op), zap.Error(err))
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	// apply the ratelimit
	err = c.limit.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%s: await rate limit: %w", op, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	return nil
}
