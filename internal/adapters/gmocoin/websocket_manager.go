package gmocoin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/observability"
	"github.com/penguinworks/gmoconnect/internal/ratelimit"
	"github.com/penguinworks/gmoconnect/internal/telemetry"
)

// subscription identifies one channel binding. Private channels carry
// no symbol; TAKER_ONLY rides in Option for the trades channel.
type subscription struct {
	Channel string
	Symbol  string
	Option  string
}

func (s subscription) key() string {
	return s.Channel + "|" + s.Symbol
}

// wsCommand is the venue's control frame. One frame per channel; the
// venue does not batch.
type wsCommand struct {
	Command string `json:"command"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	Option  string `json:"option,omitempty"`
}

// sessionManager owns a single WebSocket connection with automatic
// reconnection, ordered subscription replay, and command pacing. The
// private session resolves its dial target through the token manager
// on every attempt so a reissued token is picked up transparently.
type sessionManager struct {
	name       string
	dialTarget func(ctx context.Context) (string, error)
	limiter    *ratelimit.Limiter
	handler    func(data []byte, receivedAt time.Time) error
	onDown     func(err error)
	log        observability.Logger
	metrics    *telemetry.Metrics

	heartbeatTimeout time.Duration
	maxReconnects    int

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	// order holds subscriptions in first-subscribe order so replay
	// after reconnect reproduces the original sequence.
	subs   map[string]subscription
	order  []string
	subsMu sync.Mutex

	writeMu sync.Mutex

	forceReconnect chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

func newSessionManager(ctx context.Context, name string, dialTarget func(ctx context.Context) (string, error), limiter *ratelimit.Limiter, handler func([]byte, time.Time) error, onDown func(error), opts Options) *sessionManager {
	sessionCtx, cancel := context.WithCancel(ctx)
	return &sessionManager{
		name:             name,
		dialTarget:       dialTarget,
		limiter:          limiter,
		handler:          handler,
		onDown:           onDown,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		heartbeatTimeout: opts.HeartbeatTimeout,
		maxReconnects:    opts.MaxReconnects,
		ctx:              sessionCtx,
		cancel:           cancel,
		subs:             make(map[string]subscription),
		forceReconnect:   make(chan struct{}, 1),
		ready:            make(chan struct{}),
	}
}

// start establishes the connection in the background and waits for the
// first successful dial.
func (sm *sessionManager) start() error {
	go sm.run()

	select {
	case <-sm.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage(sm.name+" session: timeout waiting for connection"))
	case <-sm.ctx.Done():
		return sm.ctx.Err()
	}
}

func (sm *sessionManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

// requestReconnect tears down the current connection so the run loop
// redials. Used when the private token is reissued.
func (sm *sessionManager) requestReconnect() {
	select {
	case sm.forceReconnect <- struct{}{}:
	default:
	}
	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "rebind")
	}
}

// subscribe registers the binding and sends the subscribe frame if a
// connection is live. Registration survives reconnects.
func (sm *sessionManager) subscribe(ctx context.Context, sub subscription) error {
	sm.subsMu.Lock()
	if _, exists := sm.subs[sub.key()]; exists {
		sm.subsMu.Unlock()
		return nil
	}
	sm.subs[sub.key()] = sub
	sm.order = append(sm.order, sub.key())
	sm.subsMu.Unlock()

	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		// Replay on the next connect will deliver it.
		return nil
	}
	return sm.sendCommand(ctx, conn, "subscribe", sub)
}

// unsubscribe drops the binding and tells the venue if connected.
func (sm *sessionManager) unsubscribe(ctx context.Context, sub subscription) error {
	sm.subsMu.Lock()
	if _, exists := sm.subs[sub.key()]; !exists {
		sm.subsMu.Unlock()
		return nil
	}
	delete(sm.subs, sub.key())
	for i, key := range sm.order {
		if key == sub.key() {
			sm.order = append(sm.order[:i], sm.order[i+1:]...)
			break
		}
	}
	sm.subsMu.Unlock()

	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	return sm.sendCommand(ctx, conn, "unsubscribe", sub)
}

// stableConnWindow is how long a connection must hold before the
// reconnect budget and backoff reset. Drops inside the window count
// like failed dials so a flapping endpoint cannot redial in a tight
// loop.
const stableConnWindow = time.Minute

// run dials, replays subscriptions, and reads until the connection
// drops, then backs off and redials. Failed dials and dropped
// connections both consume the reconnect budget; exhausting it
// surfaces through onDown and ends the loop. A rebind requested
// through requestReconnect redials without delay.
func (sm *sessionManager) run() {
	backoffCfg := backoff.NewExponentialBackOff()
	failures := 0

	for {
		select {
		case <-sm.ctx.Done():
			return
		default:
		}
		// Drain any stale rebind request before dialing.
		select {
		case <-sm.forceReconnect:
		default:
		}

		dropped := false
		target, err := sm.dialTarget(sm.ctx)
		if err == nil {
			var conn *websocket.Conn
			conn, _, err = websocket.Dial(sm.ctx, target, nil)
			if err == nil {
				connectedAt := time.Now()
				sm.serveConn(conn)
				if sm.ctx.Err() != nil {
					return
				}
				select {
				case <-sm.forceReconnect:
					// Deliberate rebind, not a failure.
					continue
				default:
				}
				if time.Since(connectedAt) >= stableConnWindow {
					failures = 0
					backoffCfg.Reset()
				}
				dropped = true
				err = errs.New(venueName, errs.CodeNetwork,
					errs.WithMessage(sm.name+" session: connection dropped"))
			}
		}
		if sm.ctx.Err() != nil {
			return
		}

		failures++
		sm.metrics.RecordReconnect(sm.ctx, sm.name)
		if !dropped {
			sm.log.Warn("session dial failed",
				observability.F("session", sm.name),
				observability.F("attempt", failures),
				observability.F("error", err.Error()))
		}
		if sm.maxReconnects > 0 && failures >= sm.maxReconnects {
			sm.down(errs.New(venueName, errs.CodeReconnectExhausted,
				errs.WithMessage(fmt.Sprintf("%s session: reconnect budget spent after %d attempts", sm.name, failures)),
				errs.WithCause(err)))
			return
		}

		select {
		case <-sm.ctx.Done():
			return
		case <-time.After(backoffCfg.NextBackOff()):
		case <-sm.forceReconnect:
			// Rebind request overrides the remaining delay.
		}
	}
}

func (sm *sessionManager) serveConn(conn *websocket.Conn) {
	sm.connMu.Lock()
	sm.conn = conn
	sm.connMu.Unlock()

	sm.readyOnce.Do(func() { close(sm.ready) })

	if err := sm.replaySubscriptions(conn); err != nil && sm.ctx.Err() == nil {
		sm.log.Warn("subscription replay failed",
			observability.F("session", sm.name),
			observability.F("error", err.Error()))
	}

	if err := sm.readLoop(conn); err != nil && sm.ctx.Err() == nil {
		sm.log.Warn("session read loop ended, reconnecting",
			observability.F("session", sm.name),
			observability.F("error", err.Error()))
	}

	sm.connMu.Lock()
	if sm.conn == conn {
		sm.conn = nil
	}
	sm.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// replaySubscriptions re-sends every registered subscription in the
// order it was first requested.
func (sm *sessionManager) replaySubscriptions(conn *websocket.Conn) error {
	sm.subsMu.Lock()
	subs := make([]subscription, 0, len(sm.order))
	for _, key := range sm.order {
		subs = append(subs, sm.subs[key])
	}
	sm.subsMu.Unlock()

	for _, sub := range subs {
		if err := sm.sendCommand(sm.ctx, conn, "subscribe", sub); err != nil {
			return err
		}
	}
	return nil
}

// sendCommand writes one control frame, paced by the command-rate
// bucket so replay after reconnect cannot trip the venue's limit.
func (sm *sessionManager) sendCommand(ctx context.Context, conn *websocket.Conn, command string, sub subscription) error {
	waitStart := time.Now()
	if err := sm.limiter.Acquire(ctx, ratelimit.ClassWSCommand); err != nil {
		return err
	}
	sm.metrics.RecordLimiterWait(ctx, string(ratelimit.ClassWSCommand), time.Since(waitStart).Seconds())

	data, err := json.Marshal(wsCommand{
		Command: command,
		Channel: sub.Channel,
		Symbol:  sub.Symbol,
		Option:  sub.Option,
	})
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("marshal "+command+" frame"), errs.WithCause(err))
	}

	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("write "+command+" frame"), errs.WithCause(err))
	}
	return nil
}

// readLoop reads frames until the connection errors or falls silent
// past the heartbeat timeout. Malformed frames are reported through the
// handler's error and never abort the loop.
func (sm *sessionManager) readLoop(conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(sm.ctx, sm.heartbeatTimeout)
		msgType, data, err := conn.Read(readCtx)
		cancel()
		receivedAt := time.Now()
		if err != nil {
			if sm.ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return errs.New(venueName, errs.CodeNetwork,
					errs.WithMessage(fmt.Sprintf("%s session: no frame within %s", sm.name, sm.heartbeatTimeout)))
			}
			return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("read"), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}

		if venueErr, ok := controlError(data); ok {
			sm.handleControlError(venueErr)
			continue
		}

		if sm.handler != nil {
			if err := sm.handler(data, receivedAt); err != nil {
				sm.metrics.RecordDecodeDrop(sm.ctx, sm.name)
				sm.log.Warn("dropped undecodable frame",
					observability.F("session", sm.name),
					observability.F("error", err.Error()))
			}
		}
	}
}

// controlError matches the venue's {"error": "..."} rejection frames.
func controlError(data []byte) (string, bool) {
	var frame struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Error == "" {
		return "", false
	}
	return frame.Error, true
}

func (sm *sessionManager) handleControlError(msg string) {
	if strings.Contains(msg, "ERR-5003") {
		sm.metrics.RecordVenueThrottle(sm.ctx, "ws")
		sm.log.Warn("venue throttled websocket command",
			observability.F("session", sm.name),
			observability.F("error", msg))
		return
	}
	sm.log.Warn("venue rejected websocket command",
		observability.F("session", sm.name),
		observability.F("error", msg))
}

func (sm *sessionManager) down(err error) {
	sm.log.Error("session permanently down",
		observability.F("session", sm.name),
		observability.F("error", err.Error()))
	if sm.onDown != nil {
		sm.onDown(err)
	}
}
