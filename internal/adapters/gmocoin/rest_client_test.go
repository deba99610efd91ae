package gmocoin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
)

func testRESTClient(t *testing.T, server *httptest.Server) *RESTClient {
	t.Helper()
	opts := Options{
		APIKey:         "test-key",
		APISecret:      "test-secret",
		PublicRESTURL:  server.URL,
		PrivateRESTURL: server.URL,
		MaxRetries:     2,
	}
	client, err := NewRESTClient(opts, ratelimit.New(ratelimit.TierLimits(1)))
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	return client
}

func TestPublicDecodesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("API-KEY") != "" {
			t.Error("public request must not carry credentials")
		}
		_, _ = io.WriteString(w, `{"status":0,"data":{"status":"OPEN"},"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != "OPEN" {
		t.Fatalf("status = %q, want OPEN", status.Status)
	}
}

func TestPrivateGetSignsBarePath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("API-TIMESTAMP")
		if ts == "" || r.Header.Get("API-KEY") != "test-key" {
			t.Error("missing auth headers")
		}
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(ts + http.MethodGet + "/v1/activeOrders"))
		if want := hex.EncodeToString(mac.Sum(nil)); r.Header.Get("API-SIGN") != want {
			t.Errorf("signature over path with query string; query must be excluded")
		}
		_, _ = io.WriteString(w, `{"status":0,"data":{"list":[]},"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	query := url.Values{}
	query.Set("symbol", "BTC_JPY")
	var out OrdersPage
	if err := client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/activeOrders", query, &out); err != nil {
		t.Fatalf("PrivateGet: %v", err)
	}
}

func TestPrivateSendSignsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("API-TIMESTAMP")
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(ts + http.MethodPut + "/v1/ws-auth"))
		mac.Write(body)
		if want := hex.EncodeToString(mac.Sum(nil)); r.Header.Get("API-SIGN") != want {
			t.Error("signature must cover the request body")
		}
		_, _ = io.WriteString(w, `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	if err := client.ExtendToken(context.Background(), "tok-123"); err != nil {
		t.Fatalf("ExtendToken: %v", err)
	}
}

func TestVenueErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		want errs.Code
	}{
		{"ws rate limit", `{"status":1,"messages":[{"message_code":"ERR-5003","message_string":"Requests are too many"}]}`, errs.CodeRateLimited},
		{"bad api key", `{"status":1,"messages":[{"message_code":"ERR-5008","message_string":"Invalid API-KEY"}]}`, errs.CodeAuth},
		{"validation", `{"status":1,"messages":[{"message_code":"ERR-201","message_string":"Insufficient funds"}]}`, errs.CodeInvalid},
		{"maintenance", `{"status":5}`, errs.CodeExchange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			client := testRESTClient(t, server)
			var out []Asset
			err := client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/account/assets", nil, &out)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errs.CodeOf(err); got != tc.want {
				t.Fatalf("code = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTransientGetRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":0,"data":[],"responsetime":"2023-10-01T00:00:00.000Z"}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	var out []Asset
	if err := client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/account/assets", nil, &out); err != nil {
		t.Fatalf("PrivateGet: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestMutatingCallNotRetriedAfterTransmission(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	err := client.CancelOrder(context.Background(), 123456)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := errs.CodeOf(err); got != errs.CodeExchange {
		t.Fatalf("code = %s, want %s", got, errs.CodeExchange)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1: a mutating call that reached the venue must not be retried", hits.Load())
	}
}

func TestMutatingCallRetriedOnConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening: every dial is refused

	client := testRESTClient(t, server)
	start := time.Now()
	err := client.CancelOrder(context.Background(), 123456)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := errs.CodeOf(err); got != errs.CodeNetwork {
		t.Fatalf("code = %s, want %s", got, errs.CodeNetwork)
	}
	// With MaxRetries=2 and 250ms initial backoff, at least one retry
	// wait must have elapsed.
	if time.Since(start) < 250*time.Millisecond {
		t.Fatal("dial failures before transmission should be retried")
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	var out []Asset
	err := client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/account/assets", nil, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := errs.CodeOf(err); got != errs.CodeAuth {
		t.Fatalf("code = %s, want %s", got, errs.CodeAuth)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestErrorNeverLeaksSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"status":1,"messages":[{"message_code":"ERR-5008","message_string":"Invalid API-KEY"}]}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	var out []Asset
	err := client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/account/assets", nil, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("error type %T", err)
	}
	for _, field := range []string{"test-secret", "test-key"} {
		if strings.Contains(err.Error(), field) {
			t.Fatalf("error message leaks credential %q", field)
		}
	}
}

func TestExpiredTokenCodeOnWsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":1,"messages":[{"message_code":"ERR-5106","message_string":"Invalid request parameter"}]}`)
	}))
	defer server.Close()

	client := testRESTClient(t, server)
	err := client.ExtendToken(context.Background(), "stale-token")
	if got := errs.CodeOf(err); got != errs.CodeTokenExpired {
		t.Fatalf("ws-auth code = %s, want %s", got, errs.CodeTokenExpired)
	}

	// Outside ws-auth the same venue code stays a parameter rejection.
	var out []Asset
	err = client.PrivateGet(context.Background(), ratelimit.ClassQuery, "/v1/account/assets", nil, &out)
	if got := errs.CodeOf(err); got != errs.CodeInvalid {
		t.Fatalf("assets code = %s, want %s", got, errs.CodeInvalid)
	}
}
