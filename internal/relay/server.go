// Package relay serves the local event cache over the Nostr relay protocol
// so the client UI has an optimistic read surface.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/ops"
	"github.com/sandwichfarm/noq/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Server serves the event cache's khatru relay over HTTP.
type Server struct {
	config  *config.LocalRelay
	storage *storage.Storage
	owner   string
	logger  *ops.Logger

	listener net.Listener
	server   *http.Server
}

// New creates the local relay server. The cache's relay instance gets its
// NIP-11 info document and the owner-only write policy installed here.
func New(cfg *config.LocalRelay, st *storage.Storage, ownerPubkey string, logger *ops.Logger) *Server {
	s := &Server{
		config:  cfg,
		storage: st,
		owner:   ownerPubkey,
		logger:  logger.WithComponent("local-relay"),
	}

	relay := st.Relay()
	relay.Info.Name = cfg.Name
	relay.Info.Description = cfg.Description
	relay.Info.PubKey = ownerPubkey
	relay.RejectEvent = append(relay.RejectEvent, s.rejectNonOwner)

	return s
}

// rejectNonOwner refuses writes not authored by the configured identity.
// Foreign events enter the cache only through backfill and lookups, never
// through the relay socket.
func (s *Server) rejectNonOwner(ctx context.Context, event *nostr.Event) (bool, string) {
	if event.PubKey != s.owner {
		return true, "restricted: this relay only accepts events from its owner"
	}
	return false, ""
}

// Start begins serving on the configured bind address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Bind)
	if err != nil {
		return fmt.Errorf("failed to start local relay: %w", err)
	}

	s.listener = listener
	s.server = &http.Server{Handler: s.storage.Relay()}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("local relay server error", "error", err)
		}
	}()

	s.logger.Info("local relay listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
