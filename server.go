package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// New wires a server.Server and its HTTP Handler over a single store.
// Callers that need separate stores or a UserAuthenticator should build
// the server with server.New and call NewHandler.
func New(store storage.Store, serverConfig *server.Config, config *Config, subjects SubjectResolver, logger *slog.Logger) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	srv, err := server.New(store, store, store, serverConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return NewHandler(srv, subjects, config, logger)
}

// Server returns the protocol server behind h.
func (h *Handler) Server() *server.Server {
	return h.server
}
