// Package webui streams envelopes to browser clients over websockets and
// accepts input frames back. The surface is a trusted local UI: it binds a
// loopback address, skips the sender allowlist, and delivery is best effort.
// A frame with nobody connected to see it is still delivered; the page
// catches up from the control plane when it reconnects.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teleclaude/internal/adapters"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// Name is the adapter's registry name and inbound origin.
const Name = "webui"

// sendBuffer bounds the per-client frame backlog. A client that falls this
// far behind is dropped rather than slowing the fanout.
const sendBuffer = 32

// Frame types beyond the envelope event types themselves.
const (
	frameTyping = "typing"
	frameMirror = "input.mirrored"
	frameSend   = "send"
)

// envelopeFrame is the wire shape of one delivered envelope.
type envelopeFrame struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedAt int64           `json:"produced_at"`
}

type typingFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type mirrorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"`
	ActorName string `json:"actor_name"`
	Content   string `json:"content"`
}

// inboundFrame is what the page sends back.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Ref       string `json:"ref,omitempty"`
}

// client is one connected page. Writes go through send so only the write
// loop touches the connection, as gorilla requires.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Adapter is the local web UI surface.
type Adapter struct {
	cfg      config.WebUIConfig
	queue    adapters.Enqueuer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool

	listener net.Listener
	server   *http.Server
}

// New creates the adapter. The listener is opened in Start.
func New(cfg config.WebUIConfig, queue adapters.Enqueuer) *Adapter {
	return &Adapter{
		cfg:     cfg,
		queue:   queue,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			// Loopback bind; the page is served from the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Name returns "webui".
func (a *Adapter) Name() string { return Name }

// Start binds the UI listener.
func (a *Adapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("webui listen on %s: %w", a.cfg.ListenAddr, err)
	}
	a.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.handleWS)
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.SafeGo("webui-listener", func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatAdapter, "webui listener stopped", err, "adapter", Name)
		}
	})
	log.Info(log.CatAdapter, "webui listener up", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and every connected client. Websocket connections
// are hijacked from the http.Server, so Close does not reach them on its own.
func (a *Adapter) Stop() error {
	if a.server == nil {
		return nil
	}
	err := a.server.Close()
	for _, c := range a.snapshot() {
		a.unregister(c)
	}
	return err
}

// Addr returns the bound listener address, or "" before Start.
func (a *Adapter) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ClientCount returns the number of connected pages.
func (a *Adapter) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// Deliver streams the envelope to every connected page. Always succeeds: the
// UI has no delivery guarantee to uphold.
func (a *Adapter) Deliver(ctx context.Context, env *domain.EventEnvelope) error {
	a.broadcast(envelopeFrame{
		Type:       env.Type,
		EnvelopeID: env.EnvelopeID,
		Payload:    env.Payload,
		ProducedAt: env.ProducedAt.UnixMilli(),
	})
	return nil
}

// BreakThread is a no-op; UI frames append, there is no edited message.
func (a *Adapter) BreakThread(ctx context.Context, sess *domain.Session) {}

// MirrorInput streams input that arrived on another surface.
func (a *Adapter) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
	a.broadcast(mirrorFrame{
		Type:      frameMirror,
		SessionID: sess.SessionID,
		Origin:    msg.Origin,
		ActorName: msg.ActorName,
		Content:   msg.Content,
	})
}

// Typing streams a typing signal for the session.
func (a *Adapter) Typing(ctx context.Context, sess *domain.Session) {
	a.broadcast(typingFrame{Type: frameTyping, SessionID: sess.SessionID})
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatAdapter, "webui upgrade failed", "adapter", Name, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	a.mu.Lock()
	a.clients[c] = true
	total := len(a.clients)
	a.mu.Unlock()
	log.Info(log.CatAdapter, "webui client connected", "adapter", Name, "clients", total)

	log.SafeGo("webui-write", func() { a.writeLoop(c) })
	a.readLoop(r.Context(), c)
}

func (a *Adapter) readLoop(ctx context.Context, c *client) {
	defer a.unregister(c)
	c.conn.SetReadLimit(1 << 20)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		a.handleFrame(ctx, data)
	}
}

func (a *Adapter) writeLoop(c *client) {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.unregister(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleFrame converts one page frame into an inbound enqueue.
func (a *Adapter) handleFrame(ctx context.Context, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debug(log.CatAdapter, "malformed ui frame dropped", "adapter", Name, "error", err)
		return
	}
	if f.Type != frameSend || f.SessionID == "" || f.Content == "" {
		return
	}

	msg := &domain.InboundMessage{
		SessionID:       f.SessionID,
		Origin:          Name,
		Type:            domain.MessageTypeText,
		Content:         f.Content,
		ActorID:         Name,
		ActorName:       "web ui",
		SourceMessageID: f.Ref,
	}
	if _, _, err := a.queue.Enqueue(ctx, msg); err != nil {
		log.ErrorErr(log.CatAdapter, "inbound enqueue failed", err,
			"adapter", Name, "session_id", f.SessionID)
	}
}

func (a *Adapter) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Debug(log.CatAdapter, "frame marshal failed", "adapter", Name, "error", err)
		return
	}
	for _, c := range a.snapshot() {
		select {
		case c.send <- data:
		default:
			// Client stopped reading; cut it loose rather than stall fanout.
			a.unregister(c)
		}
	}
}

func (a *Adapter) snapshot() []*client {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		out = append(out, c)
	}
	return out
}

// unregister removes the client exactly once; done is closed under the same
// membership check that deletes it.
func (a *Adapter) unregister(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.clients[c] {
		return
	}
	delete(a.clients, c)
	close(c.done)
	_ = c.conn.Close()
}
