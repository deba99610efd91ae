package gmocoin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penguinworks/gmoconnect/internal/ratelimit"
)

type wsAuthStub struct {
	issued      atomic.Int32
	extends     atomic.Int32
	revokes     atomic.Int32
	extendBody  string
	issueFailed atomic.Bool
}

func (s *wsAuthStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ws-auth" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			if s.issueFailed.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			n := s.issued.Add(1)
			_, _ = io.WriteString(w, `{"status":0,"data":"token-`+string(rune('0'+n))+`","responsetime":"2023-10-01T00:00:00.000Z"}`)
		case http.MethodPut:
			s.extends.Add(1)
			_, _ = io.WriteString(w, s.extendBody)
		case http.MethodDelete:
			s.revokes.Add(1)
			_, _ = io.WriteString(w, `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`)
		}
	}
}

func testTokenManager(t *testing.T, server *httptest.Server) (*TokenManager, Options) {
	t.Helper()
	opts := Options{
		APIKey:         "test-key",
		APISecret:      "test-secret",
		PrivateRESTURL: server.URL,
		TokenLifetime:  time.Hour,
		RenewFraction:  0.8,
	}
	opts.applyDefaults()
	rest, err := NewRESTClient(opts, ratelimit.New(ratelimit.TierLimits(1)))
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	return NewTokenManager(rest, opts), opts
}

func TestTokenIssuedOnceAndCached(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	ctx := context.Background()

	first, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	second, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if first != second {
		t.Fatalf("token changed between calls: %s vs %s", first, second)
	}
	if stub.issued.Load() != 1 {
		t.Fatalf("issue calls = %d, want 1", stub.issued.Load())
	}
}

func TestTokenInvalidateForcesReissue(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	ctx := context.Background()

	first, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	manager.Invalidate()
	second, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if first == second {
		t.Fatal("invalidated token was reused")
	}
	if stub.issued.Load() != 2 {
		t.Fatalf("issue calls = %d, want 2", stub.issued.Load())
	}
}

func TestRenewExtendsInPlace(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	ctx := context.Background()

	before, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	manager.renew(ctx)
	after, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if before != after {
		t.Fatal("extend must keep the token")
	}
	if stub.extends.Load() != 1 {
		t.Fatalf("extend calls = %d, want 1", stub.extends.Load())
	}
	select {
	case <-manager.Renewed():
		t.Fatal("extend must not signal a rebind")
	default:
	}
}

func TestRenewReissuesOnExpiredToken(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":1,"messages":[{"message_code":"ERR-5009","message_string":"Token expired"}]}`}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	ctx := context.Background()

	before, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	manager.renew(ctx)
	select {
	case <-manager.Renewed():
	default:
		t.Fatal("reissue must signal a rebind")
	}
	after, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if before == after {
		t.Fatal("expired token was kept")
	}
}

func TestCloseRevokesBestEffort(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	if _, err := manager.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}
	manager.Close()
	if stub.revokes.Load() != 1 {
		t.Fatalf("revoke calls = %d, want 1", stub.revokes.Load())
	}
}

func TestCloseSurvivesRevokeFailure(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		stub.handler()(w, r)
	}))
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	if _, err := manager.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}
	manager.Close() // must not panic or block
}

func TestRenewRetriesTransientExtendFailure(t *testing.T) {
	stub := &wsAuthStub{extendBody: `{"status":0,"responsetime":"2023-10-01T00:00:00.000Z"}`}
	var puts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && puts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		stub.handler()(w, r)
	}))
	defer server.Close()

	manager, _ := testTokenManager(t, server)
	ctx := context.Background()

	before, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	// One failed extend must be retried inside the same renewal, not
	// deferred to the next cycle.
	manager.renew(ctx)
	if puts.Load() < 2 {
		t.Fatalf("extend attempts = %d, want >= 2", puts.Load())
	}
	after, err := manager.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if before != after {
		t.Fatal("extend must keep the token")
	}
	if stub.issued.Load() != 1 {
		t.Fatalf("issue calls = %d, want 1", stub.issued.Load())
	}
	select {
	case <-manager.Renewed():
		t.Fatal("extend must not signal a rebind")
	default:
	}
}
