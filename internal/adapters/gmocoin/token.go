package gmocoin

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/telemetry"
)

// TokenManager owns the private-channel access token lifecycle: it
// issues a token on demand, extends it ahead of expiry, and re-issues
// after a reported expiry. Sessions observe renewals through Renewed
// and never talk to the token endpoints themselves.
type TokenManager struct {
	rest    *RESTClient
	log     observability.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time

	lifetime time.Duration
	fraction float64

	mu       sync.Mutex
	token    string
	issuedAt time.Time

	renewed chan struct{}
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewTokenManager builds a manager over the ws-auth endpoints. Renewal
// runs only after Start.
func NewTokenManager(rest *RESTClient, opts Options) *TokenManager {
	return &TokenManager{
		rest:     rest,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		lifetime: opts.TokenLifetime,
		fraction: opts.RenewFraction,
		renewed:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Renewed signals that the token was replaced rather than extended.
// Consumers holding a connection bound to the old token must reconnect.
func (m *TokenManager) Renewed() <-chan struct{} {
	return m.renewed
}

// Start launches the background renewal loop.
func (m *TokenManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.renewLoop(ctx)
	}()
}

// Current returns a token valid at call time, issuing one if none is
// held. It blocks until a token is available or ctx ends.
func (m *TokenManager) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.token != "" && !m.stale() {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()
	return m.issue(ctx)
}

// Invalidate discards the held token after the venue rejected it, so
// the next Current issues a fresh one.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

// Close stops renewal and revokes the held token. Revocation is best
// effort; the venue intermittently rejects the revoke call and the
// token then lapses on its own.
func (m *TokenManager) Close() {
	m.once.Do(func() { close(m.closed) })
	m.wg.Wait()

	m.mu.Lock()
	token := m.token
	m.token = ""
	m.mu.Unlock()
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.rest.RevokeToken(ctx, token); err != nil {
		m.log.Warn("token revoke failed, relying on expiry", observability.F("error", err.Error()))
	}
}

func (m *TokenManager) stale() bool {
	return m.clock().Sub(m.issuedAt) >= m.renewAfter()
}

func (m *TokenManager) renewAfter() time.Duration {
	return time.Duration(float64(m.lifetime) * m.fraction)
}

func (m *TokenManager) issue(ctx context.Context) (string, error) {
	token, err := backoff.Retry(ctx, func() (string, error) {
		token, err := m.rest.IssueToken(ctx)
		if err != nil && !errs.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		return token, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.token = token
	m.issuedAt = m.clock()
	m.mu.Unlock()
	return token, nil
}

func (m *TokenManager) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(m.renewAfter())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case <-ticker.C:
			m.renew(ctx)
		}
	}
}

// renew extends the current token in place, retrying transient
// failures with backoff bounded by the token's remaining lifetime. A
// rejected token, or retries running out before the token would
// lapse, makes the manager issue a replacement and notify Renewed so
// the private session rebinds its connection.
func (m *TokenManager) renew(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	issuedAt := m.issuedAt
	m.mu.Unlock()
	if token == "" {
		return
	}

	remaining := m.lifetime - m.clock().Sub(issuedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.rest.ExtendToken(ctx, token)
		if err != nil && !errs.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(remaining))
	if err == nil {
		m.mu.Lock()
		m.issuedAt = m.clock()
		m.mu.Unlock()
		m.metrics.RecordTokenRenewal(ctx, "extend")
		return
	}

	m.log.Warn("token extend failed, reissuing", observability.F("error", err.Error()))
	m.Invalidate()
	if _, err := m.issue(ctx); err != nil {
		m.log.Error("token reissue failed", observability.F("error", err.Error()))
		return
	}
	m.metrics.RecordTokenRenewal(ctx, "reissue")
	select {
	case m.renewed <- struct{}{}:
	default:
	}
}
