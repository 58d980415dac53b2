// Package commandchannel implements a reverse-dial WebSocket command
// channel: the local process dials out to a remote peer and then serves
// request/response commands driven by that peer, inverting the usual
// client/server polarity. A single goroutine owns the whole state machine;
// every external call and every socket event is funneled through one
// channel of closures, the Go equivalent of posting onto a single-threaded
// io_service.
//
// Grounded on Phusion Passenger's agent/Core/WebSocketCommandReverseServer.h
// for the state machine and on github.com/markus-barta/nixfleet's hub.go for
// the ping/pong heartbeat idiom (SetReadDeadline + SetPongHandler).
package commandchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/revchannel/internal/configstore"
)

// MessageHandler processes one inbound command. It runs on the event-loop
// goroutine and must not block. Returning true means the reply (if any) is
// already fully written via conn.Send and the channel should immediately
// resume waiting for the next request. Returning false defers completion:
// the caller must later invoke Channel.DoneReplying(conn) -- from any
// goroutine -- once its asynchronous reply has been sent.
type MessageHandler func(ch *Channel, conn *Conn, message []byte) bool

// ConfigCallback receives the result of a Configure call: either the
// applied preview document with no errors, or the rejected preview together
// with the validation errors that caused the rejection.
type ConfigCallback func(preview map[string]any, errs configstore.Errors)

// Option customizes a Channel at construction time.
type Option func(*Channel)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Channel) {
		if l != nil {
			ch.logger = l
		}
	}
}

// Channel is a reverse-dial WebSocket command channel. The zero value is
// not usable; construct with New, then call Initialize once followed by Run
// on the same goroutine that will own the event loop.
type Channel struct {
	handler MessageHandler
	config  *configstore.Store
	logger  *slog.Logger

	ops  chan func()
	done chan struct{}

	mu    sync.RWMutex
	state State

	// Everything below is only ever read or written from the event-loop
	// goroutine (inside Run, or synchronously during Initialize before Run
	// starts). No mutex guards it because there is never a second reader.
	conn                *Conn
	timer               *time.Timer
	reconnectAfterReply bool
	shuttingDown        bool
	shutdownCallback    func()
	stopRequested       bool
	logPrefix           string
}

// New builds a Channel, registers its fixed configuration schema and
// applies initial as the first configuration. handler is invoked once per
// inbound command for the lifetime of the channel.
func New(handler MessageHandler, initial map[string]any, opts ...Option) (*Channel, error) {
	store := configstore.New()
	registerSchema(store)
	if errs := store.Update(initial); len(errs) > 0 {
		return nil, errs
	}

	ch := &Channel{
		handler: handler,
		config:  store,
		ops:     make(chan func(), 32),
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}
	ch.updateConfigCache()
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

func (ch *Channel) updateConfigCache() {
	ch.logPrefix = stringOr(ch.config.Get("log_prefix"), "")
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// StateString returns the current state. Safe to call from any goroutine.
func (ch *Channel) StateString() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return string(ch.state)
}

// IsInitialized reports whether Initialize has been called.
func (ch *Channel) IsInitialized() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state != StateUninitialized
}

// IsShutDown reports whether Run has returned.
func (ch *Channel) IsShutDown() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state == StateShutDown
}

// Initialize transitions UNINITIALIZED -> NOT_CONNECTED and starts the
// first connection attempt. It must be called exactly once, from the same
// goroutine that will subsequently call Run.
func (ch *Channel) Initialize() {
	ch.mu.Lock()
	if ch.state != StateUninitialized {
		ch.mu.Unlock()
		panic("commandchannel: Initialize called more than once")
	}
	ch.state = StateNotConnected
	ch.mu.Unlock()

	ch.timer = time.NewTimer(time.Hour)
	if !ch.timer.Stop() {
		<-ch.timer.C
	}
	ch.startConnect()
}

// Run drives the event loop until it shuts down, then returns. Must be
// called from the same goroutine Initialize was called from.
func (ch *Channel) Run() {
	for {
		select {
		case fn := <-ch.ops:
			fn()
		case <-ch.timer.C:
			ch.onTimerFire()
		}
		if ch.stopRequested {
			break
		}
	}
	ch.setState(StateShutDown)
	close(ch.done)
	if ch.shutdownCallback != nil {
		ch.shutdownCallback()
	}
}

func (ch *Channel) post(fn func()) {
	select {
	case ch.ops <- fn:
	case <-ch.done:
	}
}

// Configure validates and, if valid, applies a partial configuration
// update. cb is invoked on the event-loop goroutine with either the applied
// preview and no errors, or the rejected preview and its errors.
func (ch *Channel) Configure(raw json.RawMessage, cb ConfigCallback) {
	ch.post(func() { ch.handleConfigure(raw, cb) })
}

// InspectConfig delivers the current configuration dump to cb on the
// event-loop goroutine.
func (ch *Channel) InspectConfig(cb func(map[string]any)) {
	ch.post(func() { cb(ch.config.Dump()) })
}

// InspectState delivers a snapshot of the current lifecycle state to cb on
// the event-loop goroutine.
func (ch *Channel) InspectState(cb func(StateSnapshot)) {
	ch.post(func() {
		snap := StateSnapshot{State: string(ch.state)}
		if ch.reconnectAfterReply {
			snap.ReconnectPlanned = true
		}
		if ch.shuttingDown {
			snap.ShuttingDown = true
		}
		cb(snap)
	})
}

// DoneReplying signals that an asynchronous reply to the message most
// recently delivered on conn has finished. Safe to call from any goroutine.
// A handler that returns true from MessageHandler must not also call this.
func (ch *Channel) DoneReplying(conn *Conn) {
	ch.post(func() { ch.handleDoneReplying(conn) })
}

// Shutdown requests an orderly close: the current connection (if any) is
// closed with GOING_AWAY and no further reconnect is scheduled. cb runs
// once Run returns.
func (ch *Channel) Shutdown(cb func()) {
	ch.post(func() { ch.handleShutdown(cb) })
}

func (ch *Channel) handleConfigure(raw json.RawMessage, cb ConfigCallback) {
	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			if cb != nil {
				cb(nil, configstore.Errors{{Message: "invalid JSON: " + err.Error()}})
			}
			return
		}
	}

	prevURL := ch.config.Get("url")
	prevProxyURL := ch.config.Get("proxy_url")

	preview, errs := ch.config.PreviewUpdate(decoded)
	if len(errs) > 0 {
		if cb != nil {
			cb(preview, errs)
		}
		return
	}
	ch.config.ForceApplyUpdatePreview(preview)
	ch.updateConfigCache()

	if ch.config.Get("url") != prevURL || ch.config.Get("proxy_url") != prevProxyURL {
		ch.internalReconnect()
	}
	if cb != nil {
		cb(preview, nil)
	}
}

func (ch *Channel) handleDoneReplying(conn *Conn) {
	if conn != ch.conn {
		return
	}
	if ch.state != StateReplying {
		panic(fmt.Sprintf("commandchannel: DoneReplying called while in state %s", ch.state))
	}
	ch.finishReplying(conn)
}

func (ch *Channel) handleShutdown(cb func()) {
	if ch.shuttingDown {
		return
	}
	ch.shuttingDown = true
	ch.shutdownCallback = cb

	switch ch.state {
	case StateNotConnected:
		ch.stopTimer()
		ch.stopRequested = true
	case StateConnecting:
		if ch.conn != nil {
			ch.conn.abandoned = true
		}
	case StateWaitingForRequest, StateReplying:
		ch.closeConnection(websocket.CloseGoingAway, "shutting down")
	case StateClosing:
		// already tearing down; handleConnectionClosed will see shuttingDown.
	default:
		panic(fmt.Sprintf("commandchannel: Shutdown called in unexpected state %s", ch.state))
	}
}

// internalReconnect is invoked whenever the effective url or proxy_url
// changes. NOT_CONNECTED/CLOSING/SHUT_DOWN need no action: either nothing
// is open, or a close already in flight will redial with the now-current
// config once it completes.
func (ch *Channel) internalReconnect() {
	switch ch.state {
	case StateNotConnected, StateClosing, StateShutDown, StateUninitialized:
	case StateConnecting:
		if ch.conn != nil {
			ch.conn.abandoned = true
		}
		ch.setState(StateClosing)
		ch.stopTimer()
	case StateWaitingForRequest:
		ch.closeConnection(websocket.CloseServiceRestart, "reconnecting")
	case StateReplying:
		ch.reconnectAfterReply = true
	default:
		panic(fmt.Sprintf("commandchannel: reconnect requested in unexpected state %s", ch.state))
	}
}

func (ch *Channel) startConnect() {
	ch.setState(StateConnecting)
	snap := ch.snapshot()
	conn := newConn(snap)
	ch.conn = conn
	go ch.dial(conn, snap)
}

func (ch *Channel) dial(conn *Conn, snap snapshot) {
	dialer := buildDialer(snap)
	ctx, cancel := context.WithTimeout(context.Background(), snap.dialTimeout())
	defer cancel()

	ws, _, err := dialer.DialContext(ctx, snap.url, nil)
	if err != nil {
		ch.post(func() { ch.handleConnectFailed(conn, err) })
		return
	}
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Time{})
		ch.post(func() { ch.handlePong(conn) })
		return nil
	})
	conn.ws = ws
	ch.post(func() { ch.handleConnected(conn) })
}

func (ch *Channel) handleConnectFailed(conn *Conn, err error) {
	if conn != ch.conn {
		return
	}
	ch.logger.Warn("reverse channel connect failed", "err", err, "conn_id", conn.logID, "log_prefix", ch.logPrefix)
	ch.setState(StateNotConnected)
	if ch.shuttingDown {
		ch.stopRequested = true
		return
	}
	ch.scheduleReconnect()
}

func (ch *Channel) handleConnected(conn *Conn) {
	if conn != ch.conn {
		return
	}
	go conn.readPump(ch)

	if conn.abandoned || ch.shuttingDown {
		code := websocket.CloseServiceRestart
		reason := "reconnecting"
		if ch.shuttingDown {
			code = websocket.CloseGoingAway
			reason = "shutting down"
		}
		ch.closeConnection(code, reason)
		return
	}
	ch.enterWaitingForRequest()
}

func (ch *Channel) enterWaitingForRequest() {
	ch.setState(StateWaitingForRequest)
	ch.armTimer(ch.conn.pingInterval)
}

func (ch *Channel) handleMessage(conn *Conn, data []byte) {
	if conn != ch.conn {
		return
	}
	switch ch.state {
	case StateWaitingForRequest:
		// Receiving any frame is itself a liveness signal, so a pending
		// ping-timeout deadline from an in-flight ping is no longer needed.
		conn.ws.SetReadDeadline(time.Time{})
		ch.setState(StateReplying)
		if ch.handler(ch, conn, data) {
			ch.finishReplying(conn)
		}
	case StateClosing:
		// a message racing a close we already initiated; drop it.
	default:
		panic(fmt.Sprintf("commandchannel: message received in unexpected state %s", ch.state))
	}
}

func (ch *Channel) finishReplying(conn *Conn) {
	ch.setState(StateWaitingForRequest)
	// A ping may have been sent while REPLYING (the timer fires in both
	// WAITING_FOR_REQUEST and REPLYING) and left a read deadline armed on a
	// socket readPump wasn't actually reading from. Clear it before letting
	// readPump call ReadMessage again, or a long-running reply would hand it
	// a deadline that has already elapsed and trigger a spurious timeout.
	if conn.ws != nil {
		conn.ws.SetReadDeadline(time.Time{})
	}
	select {
	case conn.resumeCh <- struct{}{}:
	case <-conn.closed:
	}
	if ch.reconnectAfterReply {
		ch.reconnectAfterReply = false
		ch.internalReconnect()
	} else {
		ch.armTimer(conn.pingInterval)
	}
}

func (ch *Channel) onTimerFire() {
	switch ch.state {
	case StateNotConnected:
		ch.startConnect()
	case StateWaitingForRequest, StateReplying:
		ch.sendPing()
	default:
		panic(fmt.Sprintf("commandchannel: timer fired in unexpected state %s", ch.state))
	}
}

func (ch *Channel) sendPing() {
	conn := ch.conn
	if conn == nil || conn.ws == nil {
		return
	}
	conn.ws.SetReadDeadline(time.Now().Add(conn.pingTimeout))
	if err := conn.writeControl(websocket.PingMessage, []byte("ping")); err != nil {
		ch.logger.Warn("error sending ping", "err", err, "conn_id", conn.logID, "log_prefix", ch.logPrefix)
		ch.closeConnection(websocket.CloseNormalClosure, "error sending ping")
		return
	}
	// The timer is intentionally left unarmed here: onPong rearms it for the
	// next cycle, and the read deadline just set guards against a missing
	// pong. This mirrors spec's own split between "next ping" and
	// "pong timeout", rather than the upstream implementation's single timer
	// that reschedules itself on every successful ping write.
}

func (ch *Channel) handlePong(conn *Conn) {
	if conn != ch.conn {
		return
	}
	switch ch.state {
	case StateWaitingForRequest, StateReplying:
		ch.armTimer(conn.pingInterval)
	}
}

// handlePongTimeout fires when a read deadline set by sendPing expires
// without a pong or any other frame arriving. During REPLYING this is
// unreachable in practice -- the read pump has already parked on resumeCh
// rather than blocking in ReadMessage -- but the guard is kept because the
// state check is cheap and the alternative is a latent crash if that
// invariant is ever violated.
func (ch *Channel) handlePongTimeout(conn *Conn) {
	if conn != ch.conn {
		return
	}
	if ch.state == StateReplying {
		return
	}
	ch.closeConnection(websocket.CloseNormalClosure, "reconnecting because of pong timeout")
}

func (ch *Channel) handleConnectionClosed(conn *Conn, err error) {
	if conn != ch.conn {
		return
	}
	ch.logger.Info("reverse channel connection closed", "err", err, "conn_id", conn.logID, "log_prefix", ch.logPrefix)
	ch.setState(StateNotConnected)
	ch.reconnectAfterReply = false
	if ch.shuttingDown {
		ch.stopTimer()
		ch.stopRequested = true
		return
	}
	ch.scheduleReconnect()
}

func (ch *Channel) closeConnection(code int, reason string) {
	ch.setState(StateClosing)
	ch.reconnectAfterReply = false
	ch.stopTimer()

	conn := ch.conn
	if conn == nil || conn.ws == nil {
		return
	}
	if err := conn.sendClose(code, reason); err != nil {
		ch.logger.Warn("error sending close frame", "err", err, "conn_id", conn.logID, "log_prefix", ch.logPrefix)
	}
	conn.close()
}

func (ch *Channel) scheduleReconnect() {
	ch.armTimer(durationFromSeconds(ch.config.Get("reconnect_timeout"), 5*time.Second))
}

func (ch *Channel) armTimer(d time.Duration) {
	ch.stopTimer()
	ch.timer.Reset(d)
}

func (ch *Channel) stopTimer() {
	if !ch.timer.Stop() {
		select {
		case <-ch.timer.C:
		default:
		}
	}
}
