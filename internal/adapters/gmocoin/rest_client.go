package gmocoin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
)

const venueName = "gmocoin"

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Status       int             `json:"status"`
	Data         json.RawMessage `json:"data"`
	ResponseTime string          `json:"responsetime"`
	Messages     []venueMessage  `json:"messages"`
}

type venueMessage struct {
	Code   string `json:"message_code"`
	Msg    string `json:"message_string"`
	Detail string `json:"message_detail"`
}

// RESTClient is the signed request pipeline: every call acquires its rate
// class, signs private requests, dispatches, retries bounded on transient
// failures, and decodes the response envelope into typed errors.
type RESTClient struct {
	opts    Options
	http    *http.Client
	limiter *ratelimit.Limiter
	signer  *signer
	log     observability.Logger
}

// NewRESTClient builds the pipeline from options and a shared limiter.
func NewRESTClient(opts Options, limiter *ratelimit.Limiter) (*RESTClient, error) {
	opts.applyDefaults()
	client, err := opts.httpClient()
	if err != nil {
		return nil, fmt.Errorf("gmocoin: build http client: %w", err)
	}
	return &RESTClient{
		opts:    opts,
		http:    client,
		limiter: limiter,
		signer:  newSigner(opts.APIKey, opts.APISecret, opts.Clock),
		log:     opts.Logger,
	}, nil
}

// Public issues an unauthenticated GET against the public REST surface.
func (c *RESTClient) Public(ctx context.Context, path string, query url.Values, out any) error {
	return c.execute(ctx, ratelimit.ClassPublic, http.MethodGet, c.opts.PublicRESTURL, path, query, nil, out, false)
}

// PrivateGet issues a signed GET; the signature covers the bare path only.
func (c *RESTClient) PrivateGet(ctx context.Context, class ratelimit.Class, path string, query url.Values, out any) error {
	return c.execute(ctx, class, http.MethodGet, c.opts.PrivateRESTURL, path, query, nil, out, true)
}

// PrivateSend issues a signed mutating request (POST, PUT, DELETE) with a JSON body.
func (c *RESTClient) PrivateSend(ctx context.Context, class ratelimit.Class, method, path string, body any, out any) error {
	return c.execute(ctx, class, method, c.opts.PrivateRESTURL, path, nil, body, out, true)
}

func (c *RESTClient) execute(ctx context.Context, class ratelimit.Class, method, base, path string, query url.Values, body, out any, signed bool) error {
	waitStart := time.Now()
	if err := c.limiter.Acquire(ctx, class); err != nil {
		return err
	}
	c.opts.Metrics.RecordLimiterWait(ctx, string(class), time.Since(waitStart).Seconds())

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		payload = encoded
	}

	mutating := method != http.MethodGet
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.opts.Metrics.RecordRESTRetry(ctx, path)
			c.log.Debug("retrying request", observability.F("path", path), observability.F("attempt", attempt))
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry wait: %w", ctx.Err())
			case <-time.After(bo.NextBackOff()):
			}
		}

		err := c.attempt(ctx, method, base, path, query, payload, out, signed)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.IsTransient(err) {
			return err
		}
		// Retrying a mutating call risks duplicate submission unless the
		// failure provably happened before any bytes reached the exchange.
		if mutating && !preTransmission(err) {
			return err
		}
	}
	return lastErr
}

func (c *RESTClient) attempt(ctx context.Context, method, base, path string, query url.Values, payload []byte, out any, signed bool) error {
	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	if signed {
		timestamp, signature := c.signer.Sign(method, path, string(payload))
		req.Header.Set("API-KEY", c.opts.APIKey)
		req.Header.Set("API-TIMESTAMP", timestamp)
		req.Header.Set("API-SIGN", signature)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("read response"), errs.WithCause(err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.opts.Metrics.RecordVenueThrottle(ctx, path)
		return errs.New(venueName, errs.CodeRateLimited, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(trimBody(raw)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(venueName, errs.CodeAuth, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(trimBody(raw)))
	case resp.StatusCode >= 500:
		return errs.New(venueName, errs.CodeExchange, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(trimBody(raw)))
	case resp.StatusCode >= 400:
		return errs.New(venueName, errs.CodeInvalid, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(trimBody(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errs.New(venueName, errs.CodeDecode, errs.WithMessage("decode envelope"), errs.WithCause(err))
	}
	if env.Status != 0 {
		return c.venueError(ctx, path, env)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return errs.New(venueName, errs.CodeDecode, errs.WithMessage("envelope status 0 without data"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.New(venueName, errs.CodeDecode, errs.WithMessage("decode data"), errs.WithCause(err))
	}
	return nil
}

// venueError maps exchange message codes onto the error taxonomy.
func (c *RESTClient) venueError(ctx context.Context, path string, env envelope) error {
	rawCode, rawMsg := "", ""
	if len(env.Messages) > 0 {
		rawCode = env.Messages[0].Code
		parts := make([]string, 0, len(env.Messages))
		for _, m := range env.Messages {
			parts = append(parts, m.Msg)
		}
		rawMsg = strings.Join(parts, "; ")
	}

	code := errs.CodeInvalid
	switch rawCode {
	case "ERR-5003":
		code = errs.CodeRateLimited
		c.opts.Metrics.RecordVenueThrottle(ctx, path)
	case "ERR-5008", "ERR-5009", "ERR-5011", "ERR-5012", "ERR-5014":
		code = errs.CodeAuth
	case "ERR-5106":
		// On the ws-auth endpoints the venue reports an unknown or
		// lapsed token as an invalid parameter.
		if strings.HasPrefix(path, "/v1/ws-auth") {
			code = errs.CodeTokenExpired
		}
	case "":
		// Status-only failures (1 = system error, 5 = maintenance) are venue-side.
		if env.Status == 1 || env.Status == 5 {
			code = errs.CodeExchange
		}
	}
	return errs.New(venueName, code,
		errs.WithRawCode(rawCode),
		errs.WithRawMessage(rawMsg),
		errs.WithMessage(fmt.Sprintf("venue status %d", env.Status)))
}

func wrapTransportError(err error) error {
	return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("dispatch request"), errs.WithCause(err))
}

// preTransmission reports whether the failure provably happened before any
// request bytes reached the exchange, making a retry of a mutating call safe.
func preTransmission(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func trimBody(raw []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
