package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Transport
// ============================================================================

// Emitter sends a single event over the channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Transport is the bidirectional event channel the engine consumes.
// Handlers registered with OnEvent are called in arrival order.
type Transport interface {
	Emitter
	Connect(ctx context.Context) error
	Disconnect() error
	State() RealtimeState
	OnEvent(h func(Envelope))
	OnStateChange(h func(RealtimeState))
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures WSTransport.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	// MaxReconnectAttempts bounds the exponential backoff phase. Past it
	// the transport keeps retrying every ReconnectMaxDelay. 0 means the
	// default; negative means the backoff never settles.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns an exponential backoff with jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket Transport with auto-reconnect and heartbeat.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	log     *slog.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	life             context.Context
	cancelLife       context.CancelFunc
	reconnectFor     context.Context // life of the running reconnect loop, nil when none

	handlersMu    sync.RWMutex
	eventHandlers []func(Envelope)
	stateHandlers []func(RealtimeState)
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport for the server at baseURL
// (http(s) scheme; the /ws endpoint is derived from it).
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     cfg.Logger.With("component", "transport"),
		recon:   newReconnector(&cfg),
		state:   StateDisconnected,
	}
}

// OnEvent registers a handler for inbound events.
func (ws *WSTransport) OnEvent(h func(Envelope)) {
	ws.handlersMu.Lock()
	ws.eventHandlers = append(ws.eventHandlers, h)
	ws.handlersMu.Unlock()
}

// OnStateChange registers a handler for connection state changes.
func (ws *WSTransport) OnStateChange(h func(RealtimeState)) {
	ws.handlersMu.Lock()
	ws.stateHandlers = append(ws.stateHandlers, h)
	ws.handlersMu.Unlock()
}

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server and waits for the authenticated handshake.
// The connection outlives ctx; use Disconnect to close it. With
// AutoReconnect a failed first dial keeps retrying in the background and
// the error is still returned.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected || (ws.reconnectFor != nil && ws.reconnectFor == ws.life) {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	if ws.life == nil {
		ws.life, ws.cancelLife = context.WithCancel(context.Background())
	}
	life := ws.life
	ws.mu.Unlock()

	ws.setState(StateConnecting)
	ws.recon.reset()
	if err := ws.dial(ctx, life); err != nil {
		ws.setState(StateDisconnected)
		if ws.config.AutoReconnect && !errors.Is(err, ErrServerRejected) && ws.claimReconnect(life) {
			go ws.reconnect(life)
		}
		return err
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelLife != nil {
		ws.cancelLife()
		ws.cancelLife = nil
		ws.life = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends one event. It fails with ErrNetworkUnavailable while there
// is no open connection.
func (ws *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return newError(ErrNetworkUnavailable, "realtime.emit", "%s: not connected", event)
	}

	env := Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return wrapError(ErrNetworkUnavailable, "realtime.emit", err)
	}
	return nil
}

func (ws *WSTransport) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(ws.config.Token)
}

func (ws *WSTransport) dial(ctx context.Context, life context.Context) error {
	conn, _, err := websocket.Dial(ctx, ws.wsURL(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		return wrapError(ErrNetworkUnavailable, "realtime.connect", err)
	}

	// The first frame must be "authenticated".
	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return wrapError(ErrNetworkUnavailable, "realtime.connect", fmt.Errorf("read auth message: %w", err))
	}
	if env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		var p ErrorPayload
		_ = env.Decode(&p)
		return newError(ErrServerRejected, "realtime.connect", "expected %q, got %q %s", EventAuthenticated, env.Type, p.Message)
	}

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return newError(ErrNetworkUnavailable, "realtime.connect", "disconnected while connecting")
	}
	ws.conn = conn
	if ws.reconnectFor == life {
		ws.reconnectFor = nil
	}
	ws.mu.Unlock()
	ws.recon.markConnected()

	connCtx, cancel := context.WithCancel(life)
	go ws.readLoop(connCtx, cancel, conn, life)
	go ws.heartbeatLoop(connCtx, conn)

	ws.setState(StateConnected)
	ws.dispatch(env)
	return nil
}

func (ws *WSTransport) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, life context.Context) {
	defer cancel()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			ws.mu.Lock()
			if ws.intentionalClose || ws.conn != conn {
				ws.mu.Unlock()
				return
			}
			ws.conn = nil
			ws.mu.Unlock()

			ws.log.Warn("connection lost", "error", err)
			ws.setState(StateDisconnected)
			if ws.config.AutoReconnect && ws.claimReconnect(life) {
				ws.reconnect(life)
			}
			return
		}
		ws.dispatch(env)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed; closing unblocks the read loop, which reconnects.
				ws.log.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// claimReconnect marks a reconnect loop as running for life. It reports
// false when one already runs or the close was intentional.
func (ws *WSTransport) claimReconnect(life context.Context) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.intentionalClose || ws.reconnectFor == life {
		return false
	}
	ws.reconnectFor = life
	return true
}

// reconnect retries until a dial succeeds, the server rejects the
// credentials, or life ends. Callers claim the loop first; a successful
// dial releases it.
func (ws *WSTransport) reconnect(life context.Context) {
	settled := false
	for {
		var attempt int
		var delay time.Duration
		if ws.recon.shouldReconnect() {
			attempt, delay = ws.recon.nextDelay()
		} else {
			if !settled {
				ws.log.Warn("reconnect backoff exhausted, retrying at max delay", "delay", ws.config.ReconnectMaxDelay)
				settled = true
			}
			attempt, delay = ws.recon.attempts()+1, ws.config.ReconnectMaxDelay
		}
		ws.setState(StateReconnecting)
		ws.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-life.Done():
			ws.endReconnect(life)
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(life, ws.config.DialTimeout)
		err := ws.dial(ctx, life)
		cancel()
		if err == nil {
			return
		}
		if life.Err() != nil {
			ws.endReconnect(life)
			return
		}
		if errors.Is(err, ErrServerRejected) {
			ws.log.Warn("reconnect rejected by server, giving up", "error", err)
			ws.endReconnect(life)
			ws.setState(StateDisconnected)
			return
		}
		ws.log.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		ws.setState(StateDisconnected)
	}
}

func (ws *WSTransport) endReconnect(life context.Context) {
	ws.mu.Lock()
	if ws.reconnectFor == life {
		ws.reconnectFor = nil
	}
	ws.mu.Unlock()
}

func (ws *WSTransport) setState(s RealtimeState) {
	ws.mu.Lock()
	if ws.state == s {
		ws.mu.Unlock()
		return
	}
	ws.state = s
	ws.mu.Unlock()

	ws.handlersMu.RLock()
	handlers := append([]func(RealtimeState){}, ws.stateHandlers...)
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		safeCall(ws.log, func() { h(s) })
	}
}

func (ws *WSTransport) dispatch(env Envelope) {
	ws.handlersMu.RLock()
	handlers := append([]func(Envelope){}, ws.eventHandlers...)
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		safeCall(ws.log, func() { h(env) })
	}
}

// safeCall runs a user callback, logging instead of propagating a panic.
func safeCall(log *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r)
		}
	}()
	fn()
}
