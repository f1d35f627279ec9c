// Package peer links daemons on other computers. The peer transport has no
// edit primitive, so deliveries are no-ops; remote daemons read session state
// on demand from a plain TCP listener instead of receiving pushed updates.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// Name is the adapter's registry name and metadata key.
const Name = "peer"

// Sessions is the slice of the session registry the listener serves.
// *sessions.Registry satisfies it.
type Sessions interface {
	Live() []string
	Get(sessionID string) (*domain.Session, error)
}

// Adapter serves session state to peer daemons over TCP.
type Adapter struct {
	cfg      config.PeerConfig
	computer string
	sessions Sessions

	listener net.Listener
	server   *http.Server
}

// New creates the adapter. The listener is opened in Start.
func New(cfg config.PeerConfig, computer string, sessions Sessions) *Adapter {
	return &Adapter{cfg: cfg, computer: computer, sessions: sessions}
}

// Name returns "peer".
func (a *Adapter) Name() string { return Name }

// Start opens the peer listener when one is configured.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.ListenAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("peer listen on %s: %w", a.cfg.ListenAddr, err)
	}
	a.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /peer/sessions", a.handleSessions)
	mux.HandleFunc("GET /peer/sessions/{id}", a.handleSession)
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.SafeGo("peer-listener", func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatAdapter, "peer listener stopped", err, "adapter", Name)
		}
	})
	log.Info(log.CatAdapter, "peer listener up", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and drops open connections. Peer reads are cheap
// polls; there is nothing worth draining.
func (a *Adapter) Stop() error {
	if a.server == nil {
		return nil
	}
	return a.server.Close()
}

// Addr returns the bound listener address, or "" before Start.
func (a *Adapter) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Deliver is a no-op. Remote daemons poll session state instead.
func (a *Adapter) Deliver(ctx context.Context, env *domain.EventEnvelope) error {
	return nil
}

// BreakThread is a no-op; there is no edit reference to drop.
func (a *Adapter) BreakThread(ctx context.Context, sess *domain.Session) {}

// MirrorInput is a no-op; peers see input through session state.
func (a *Adapter) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
}

// Typing is a no-op.
func (a *Adapter) Typing(ctx context.Context, sess *domain.Session) {}

// sessionView is the wire shape served to remote daemons. Adapter metadata
// stays private to the daemon that owns the session.
type sessionView struct {
	SessionID      string    `json:"session_id"`
	Computer       string    `json:"computer"`
	ProjectPath    string    `json:"project_path"`
	Title          string    `json:"title"`
	SystemRole     string    `json:"system_role"`
	HumanRole      string    `json:"human_role"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func viewOf(sess *domain.Session) sessionView {
	return sessionView{
		SessionID:      sess.SessionID,
		Computer:       sess.Computer,
		ProjectPath:    sess.ProjectPath,
		Title:          sess.Title,
		SystemRole:     string(sess.SystemRole),
		HumanRole:      string(sess.HumanRole),
		State:          string(sess.State),
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
}

func (a *Adapter) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := make([]sessionView, 0)
	for _, id := range a.sessions.Live() {
		sess, err := a.sessions.Get(id)
		if err != nil {
			continue
		}
		views = append(views, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"computer": a.computer,
		"sessions": views,
	})
}

func (a *Adapter) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug(log.CatAdapter, "peer response write failed", "error", err)
	}
}
