// Package webhooks hosts the TCP listener platform webhooks deliver to. It
// exists apart from the unix-socket control plane because platforms need a
// routable address; nothing else in the daemon listens on TCP for inbound
// chat traffic.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"teleclaude/internal/log"
)

// UpdateHandler consumes one telegram update. *telegram.Adapter satisfies
// it; a nil return means the update was either enqueued or deliberately
// dropped, an error means the store rejected it and the platform should
// retry.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// Server is the webhook listener. One route per platform; today that is
// telegram only.
type Server struct {
	server *http.Server
	addr   string
}

// NewServer builds the listener. The secret is part of the path, so a caller
// without it cannot reach the handler at all.
func NewServer(addr, secret string, telegram UpdateHandler) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("webhook listen address is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/telegram/"+secret, func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			// Malformed bodies are not worth a platform retry.
			log.Warn(log.CatAdapter, "malformed webhook body dropped", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		// The 200 is the acknowledgement that the update is durably held.
		// On a store failure the platform re-delivers and the inbound
		// dedup absorbs the replay.
		if err := telegram.HandleUpdate(r.Context(), update); err != nil {
			log.ErrorErr(log.CatAdapter, "webhook enqueue failed", err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr: addr,
	}, nil
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	log.Info(log.CatAdapter, "webhook listener started", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook listener: %w", err)
	}
	return nil
}

// Serve serves on an existing listener. Blocks. Tests use this to bind an
// ephemeral port.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook listener: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
