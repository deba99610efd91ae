// Package gmocoin implements the GMO Coin venue adapter: signed REST pipeline,
// access-token lifecycle, and public/private websocket sessions.
package gmocoin

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/telemetry"
)

const (
	defaultPublicRESTURL  = "https://api.coin.z.com/public"
	defaultPrivateRESTURL = "https://api.coin.z.com/private"
	defaultPublicWSURL    = "wss://api.coin.z.com/ws/public/v1"
	defaultPrivateWSURL   = "wss://api.coin.z.com/ws/private/v1"

	defaultHTTPTimeout       = 10 * time.Second
	defaultMaxRetries        = 3
	defaultHeartbeatTimeout  = 60 * time.Second
	defaultTokenLifetime     = 60 * time.Minute
	defaultRenewFraction     = 0.8
	defaultReconcileInterval = 30 * time.Second
)

// Options collects adapter tunables. The zero value is completed by applyDefaults.
type Options struct {
	APIKey    string
	APISecret string

	PublicRESTURL  string
	PrivateRESTURL string
	PublicWSURL    string
	PrivateWSURL   string

	HTTPTimeout time.Duration
	ProxyURL    string
	MaxRetries  int

	HeartbeatTimeout time.Duration
	MaxReconnects    int

	BookDepth int
	TakerOnly bool

	TokenLifetime time.Duration
	RenewFraction float64

	ReconcileInterval time.Duration

	Clock   func() time.Time
	Logger  observability.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if strings.TrimSpace(o.PublicRESTURL) == "" {
		o.PublicRESTURL = defaultPublicRESTURL
	}
	if strings.TrimSpace(o.PrivateRESTURL) == "" {
		o.PrivateRESTURL = defaultPrivateRESTURL
	}
	if strings.TrimSpace(o.PublicWSURL) == "" {
		o.PublicWSURL = defaultPublicWSURL
	}
	if strings.TrimSpace(o.PrivateWSURL) == "" {
		o.PrivateWSURL = defaultPrivateWSURL
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.BookDepth <= 0 {
		o.BookDepth = 20
	}
	if o.TokenLifetime <= 0 {
		o.TokenLifetime = defaultTokenLifetime
	}
	if o.RenewFraction <= 0 || o.RenewFraction >= 1 {
		o.RenewFraction = defaultRenewFraction
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = defaultReconcileInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
}

// httpClient builds the shared transport honouring timeout and optional proxy.
func (o *Options) httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: o.HTTPTimeout}
	if proxy := strings.TrimSpace(o.ProxyURL); proxy != "" {
		parsed, err := url.Parse(proxy)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return client, nil
}
