// Package gateway implements the Hub's subscriber-facing WebSocket
// endpoint: GET /ws. Grounded on mrf-agent-racer/backend/internal/ws.Server
// (upgrade, authorize-then-upgrade, a read-pump goroutine that exists only
// to detect disconnect) and Broadcaster.writePump's
// "range over a channel, write each message, close on error" loop,
// generalized to forward broker.Subscriber mailboxes instead of a single
// shared client channel, and to apply ping/pong keepalive and typed close
// codes per spec §4.7/§6.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vibetea/vibetea/internal/broker"
	"github.com/vibetea/vibetea/internal/envelope"
)

// DefaultPingInterval is the keepalive cadence, per spec §4.7.
const DefaultPingInterval = 30 * time.Second

// Close codes used on this endpoint, per spec §6.
const (
	CloseAuthFailure  = 1008
	CloseSlowConsumer = 1011
)

// Handler serves GET /ws.
type Handler struct {
	Broker          *broker.Broker
	SubscriberToken string
	PingInterval    time.Duration
	Log             zerolog.Logger

	upgrader websocket.Upgrader
}

// New constructs a Handler.
func New(brk *broker.Broker, token string, log zerolog.Logger) *Handler {
	return &Handler{
		Broker:          brk,
		SubscriberToken: token,
		PingInterval:    DefaultPingInterval,
		Log:             log,
		upgrader:        websocket.Upgrader{},
	}
}

func (h *Handler) pingInterval() time.Duration {
	if h.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return h.PingInterval
}

// ServeHTTP authenticates, parses the filter query parameters, upgrades the
// connection, registers a subscriber with the Broker, and forwards matched
// envelopes until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	authorized := constantTimeEqual(token, h.SubscriberToken)

	filter := broker.Filter{
		Source:  r.URL.Query().Get("source"),
		Type:    envelope.Type(r.URL.Query().Get("type")),
		Project: r.URL.Query().Get("project"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !authorized {
		writeClose(conn, CloseAuthFailure, "unauthorized")
		conn.Close()
		return
	}

	sub := h.Broker.Subscribe(filter)
	h.serve(conn, sub)
}

func (h *Handler) serve(conn *websocket.Conn, sub *broker.Subscriber) {
	defer h.Broker.Unsubscribe(sub)
	defer conn.Close()

	readerDone := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval()))
	})
	conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval()))
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-sub.Closed():
			code := websocket.CloseNormalClosure
			reason := sub.CloseReason()
			if reason == "slow_consumer" {
				code = CloseSlowConsumer
			}
			writeClose(conn, code, reason)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case env, ok := <-sub.Mailbox():
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				h.Log.Warn().Err(err).Msg("failed to marshal envelope for delivery")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// constantTimeEqual compares the static subscriber token in constant time,
// per spec §4.7. An empty configured token denies all access rather than
// defaulting open.
func constantTimeEqual(got, want string) bool {
	if want == "" {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
