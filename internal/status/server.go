// Package status serves the client state over HTTP for local inspection.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/conference"
	"github.com/isqad/livelook-mesh/internal/sink"
)

const shutdownTimeout = 20 * time.Second

// StateSource is the part of conference.Client the server reads.
type StateSource interface {
	Snapshot() conference.Snapshot
	Streams() []sink.RemoteStream
	Subscribe() (<-chan struct{}, func())
}

// Server exposes /state, /streams, /metrics and an /events websocket that
// pushes the state after every change.
type Server struct {
	address   string
	source    StateSource
	websocket *melody.Melody
}

func New(address string, source StateSource) *Server {
	websocket := melody.New()
	websocket.Config.MaxMessageSize = 1024

	return &Server{
		address:   address,
		source:    source,
		websocket: websocket,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s.websocket.HandleConnect(func(session *melody.Session) {
		payload, err := json.Marshal(s.source.Snapshot())
		if err != nil {
			log.Error().Err(err).Str("service", "status").Msg("can't encode state")
			return
		}
		_ = session.Write(payload)
	})
	s.websocket.HandleError(func(_ *melody.Session, err error) {
		log.Debug().Err(err).Str("service", "status").Msg("error in websocket session")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.source.Snapshot())
	})
	r.Get("/streams", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.source.Streams())
	})
	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := s.websocket.HandleRequest(w, r); err != nil {
			log.Error().Err(err).Str("service", "status").Msg("can't upgrade request")
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go s.pushUpdates(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		log.Info().Str("service", "status").Msg("status server is shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = s.websocket.Close()
		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Str("service", "status").Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "status").Str("address", s.address).Msg("status server started")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Str("service", "status").Msg("status server stopped")

	return nil
}

func (s *Server) pushUpdates(ctx context.Context) {
	updates, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	payload, err := json.Marshal(s.source.Snapshot())
	if err != nil {
		log.Error().Err(err).Str("service", "status").Msg("can't encode state")
		return
	}
	if err := s.websocket.Broadcast(payload); err != nil {
		log.Debug().Err(err).Str("service", "status").Msg("can't broadcast state")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "status").Msg("can't encode response")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
