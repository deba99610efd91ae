package gmocoin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// signer computes request signatures over timestamp+method+path+body and keeps
// per-credential timestamps strictly non-decreasing so the venue's anti-replay
// check never rejects two requests signed within the same millisecond.
type signer struct {
	apiKey    string
	apiSecret string
	clock     func() time.Time

	mu     sync.Mutex
	lastMS int64
}

func newSigner(apiKey, apiSecret string, clock func() time.Time) *signer {
	if clock == nil {
		clock = time.Now
	}
	return &signer{apiKey: apiKey, apiSecret: apiSecret, clock: clock}
}

// Sign returns the millisecond timestamp and hex signature for the request.
// GET requests sign the bare path without the query string.
func (s *signer) Sign(method, path, body string) (timestamp, signature string) {
	ms := s.nextTimestamp()
	timestamp = strconv.FormatInt(ms, 10)

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(body))
	signature = hex.EncodeToString(mac.Sum(nil))
	return timestamp, signature
}

// nextTimestamp bumps a colliding timestamp forward by one millisecond.
func (s *signer) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.clock().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS + 1
	}
	s.lastMS = ms
	return ms
}
