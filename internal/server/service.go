// Package server wires the relay HTTP surface: the websocket endpoint, the
// session CRUD routes, and the prompt response side channel.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/internal/auth"
	"github.com/calyptra/relay/internal/broker"
	"github.com/calyptra/relay/internal/config"
	"github.com/calyptra/relay/internal/gateway"
	"github.com/calyptra/relay/internal/prompt"
	"github.com/calyptra/relay/internal/store"
	"github.com/calyptra/relay/pkg/models"
	"github.com/calyptra/relay/pkg/wire"
)

// Service is the relay server: one registry, one gateway, one correlator,
// constructed at startup and torn down together.
type Service struct {
	config     *config.Config
	store      *store.Store
	sessions   *store.SessionStore
	registry   *broker.Registry
	gateway    *gateway.Gateway
	correlator *prompt.Correlator
	router     chi.Router

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New assembles the service from its parts.
func New(cfg *config.Config, st *store.Store) *Service {
	registry := broker.NewRegistry()
	verifier := auth.NewStaticVerifier(cfg.AuthTokens)
	gw := gateway.New(registry, verifier, gateway.Options{
		SendBuffer:   cfg.SendBuffer,
		WriteTimeout: cfg.WriteTimeout,
		PongTimeout:  cfg.PongTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		config:     cfg,
		store:      st,
		sessions:   store.NewSessionStore(st),
		registry:   registry,
		gateway:    gw,
		correlator: prompt.NewCorrelator(),
		router:     chi.NewRouter(),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
	svc.setupRoutes()
	return svc
}

// Registry exposes the subscription registry to the event producer.
func (s *Service) Registry() *broker.Registry { return s.registry }

// Correlator exposes the prompt correlator to the event producer.
func (s *Service) Correlator() *prompt.Correlator { return s.correlator }

// Router returns the HTTP handler.
func (s *Service) Router() http.Handler { return s.router }

// Stop cancels the service context.
func (s *Service) Stop() {
	s.cancel()
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws", s.gateway.HandleWS)

	s.router.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Post("/{sessionID}/permission", s.handlePermissionResponse)
		r.Post("/{sessionID}/credential", s.handleCredentialResponse)
	})
}

// PublishEvent is the entry point for the agent runtime: the event is
// broadcast to every subscriber of its session, terminal events release any
// outstanding prompt, and metadata events are folded into the stored
// session so the authoritative snapshot stays consistent.
func (s *Service) PublishEvent(ev wire.Event) {
	if ev.SessionID == "" {
		log.Warn().Str("kind", string(ev.Kind)).Msg("Dropping event without session ID")
		return
	}

	if ev.Kind.IsMetadata() {
		if err := s.sessions.ApplyMetadata(s.ctx, ev); err != nil {
			log.Warn().
				Str("sessionId", ev.SessionID).
				Str("kind", string(ev.Kind)).
				Err(err).
				Msg("Failed to persist metadata event")
		}
	}

	switch ev.Kind {
	case wire.KindComplete:
		s.correlator.Abandon(ev.SessionID)
		s.setStatus(ev.SessionID, models.SessionStatusCompleted)
	case wire.KindInterrupted:
		s.correlator.Abandon(ev.SessionID)
		s.setStatus(ev.SessionID, models.SessionStatusInterrupted)
	case wire.KindError:
		s.correlator.Abandon(ev.SessionID)
		s.setStatus(ev.SessionID, models.SessionStatusFailed)
	}

	s.registry.Broadcast(ev.SessionID, ev)
}

func (s *Service) setStatus(sessionID string, status models.SessionStatus) {
	if err := s.sessions.SetStatus(s.ctx, sessionID, status); err != nil {
		log.Warn().Str("sessionId", sessionID).Err(err).Msg("Failed to update session status")
	}
}
