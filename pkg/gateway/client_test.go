package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithHTTPClient(http.DefaultClient),
		WithRateLimit(0, 0),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	c, err := NewClient(url, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:4000/users"); err == nil {
		t.Fatal("expected error for relative url")
	}
}

func TestLogin_ReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if creds.Username != "akshay" || creds.OrgName != "Org1" {
			t.Errorf("unexpected credentials %+v", creds)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "abc"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	token, err := c.Login(context.Background(), Credentials{Username: "akshay", OrgName: "Org1"})
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if token != "abc" {
		t.Fatalf("expected token abc, got %q", token)
	}
}

func TestLogin_ServerErrorIsDistinguishable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithLoginRetries(2))
	token, err := c.Login(context.Background(), Credentials{Username: "u", OrgName: "o"})
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", se.StatusCode)
	}
	if se.Body != "boom" {
		t.Errorf("expected body boom, got %q", se.Body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestLogin_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithLoginRetries(5))
	_, err := c.Login(context.Background(), Credentials{})

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestLogin_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "second"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithLoginRetries(3))
	token, err := c.Login(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if token != "second" {
		t.Errorf("expected token second, got %q", token)
	}
}

func TestLogin_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "ok"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Login(context.Background(), Credentials{})
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestLogin_Rejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "user not registered", "token": "stale"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithLoginRetries(3))
	token, err := c.Login(context.Background(), Credentials{})
	if !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestWithTimeout(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		if _, err := NewClient("http://localhost:4000", WithTimeout(d)); err == nil {
			t.Errorf("expected error for timeout %v", d)
		}
	}

	c, err := NewClient("http://localhost:4000", WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.timeout != 2*time.Second {
		t.Errorf("expected timeout 2s, got %v", c.timeout)
	}
}

func TestInvoke_TimeoutAbortsSlowGateway(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, WithTimeout(20*time.Millisecond))
	_, err := c.Invoke(context.Background(), "abc", Invocation{ChannelName: "c", ChaincodeName: "n"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLogin_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, WithLoginRetries(0))
	token, err := c.Login(context.Background(), Credentials{})
	if err == nil {
		t.Fatal("expected error")
	}
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}
}

func TestInvoke_SendsTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/mychannel/chaincodes/supply-chain" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("missing request id")
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if inv.Fcn != "UpdateVaccineBatch" || len(inv.Args) != 2 || inv.Args[0] != "5" {
			t.Errorf("unexpected invocation %+v", inv)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "tx-1", "error": nil, "errorData": nil})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Invoke(context.Background(), "abc", Invocation{
		Fcn:           "UpdateVaccineBatch",
		ChaincodeName: "supply-chain",
		ChannelName:   "mychannel",
		Args:          []string{"5", "{}"},
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if res.TxID() != "tx-1" {
		t.Errorf("expected tx-1, got %q", res.TxID())
	}
	if res.RequestID == "" {
		t.Error("expected request id on result")
	}
}

func TestInvoke_TransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": "5 does not exist", "errorData": nil})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), "abc", Invocation{ChannelName: "c", ChaincodeName: "n"})

	var te *TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransactionError, got %v", err)
	}
	if te.Message != "5 does not exist" {
		t.Errorf("unexpected message %q", te.Message)
	}
}

func TestInvoke_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), "bad", Invocation{ChannelName: "c", ChaincodeName: "n"})

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden || se.Op != "invoke" {
		t.Fatalf("expected invoke 403 StatusError, got %v", err)
	}
}
