package main

import (
	"context"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/campushq/chat-relay/internal/auth"
	"github.com/campushq/chat-relay/internal/chat"
	"github.com/campushq/chat-relay/internal/middleware"
)

// pinger is what the health endpoint needs from the store; nil means no
// store is configured (in-memory runs and tests).
type pinger interface {
	Ping(ctx context.Context) error
}

// Server carries both delivery surfaces over one business core.
type Server struct {
	svc           *chat.Service
	verifier      *auth.Verifier
	hub           *RoomHub
	presence      *PresenceRegistry
	limiter       *middleware.LimiterStore
	health        pinger
	allowedOrigin string
}

// newServer wires a Server. The limiter is shared between the HTTP send
// route and per-identity socket sends.
func newServer(svc *chat.Service, verifier *auth.Verifier, limiter *middleware.LimiterStore, health pinger, allowedOrigin string) *Server {
	return &Server{
		svc:           svc,
		verifier:      verifier,
		hub:           NewRoomHub(),
		presence:      NewPresenceRegistry(),
		limiter:       limiter,
		health:        health,
		allowedOrigin: allowedOrigin,
	}
}

// Handler mounts the event channel next to the synchronous routes.
func (s *Server) Handler() http.Handler {
	r := s.routes()
	r.Handle("/ws", websocket.Handler(s.handleSocket))
	return r
}
