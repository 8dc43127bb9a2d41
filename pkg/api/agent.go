package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cuemby/colony/pkg/agent"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AgentStatus is what a node agent exposes on its local status page
type AgentStatus interface {
	Host() string
	Services() []types.ServiceDescriptor
	ShutdownLocal(id string) error
}

var _ AgentStatus = (*agent.Agent)(nil)

// AgentServer serves a node agent's local status page
type AgentServer struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewAgentServer builds the agent status page:
//
//	GET  /services            supervised replicas on this host
//	POST /services/{id}/stop  stop one replica without involving the master
//	GET  /health /ready /live /metrics
func NewAgentServer(addr string, status AgentStatus, readOnlyMode bool) *AgentServer {
	logger := log.WithHost("agent-api", status.Host())
	r := newRouter(logger)
	if readOnlyMode {
		r.Use(readOnly)
	}
	mountProbes(r)

	r.Get("/services", func(w http.ResponseWriter, r *http.Request) {
		services := status.Services()
		if services == nil {
			services = []types.ServiceDescriptor{}
		}
		writeJSON(w, http.StatusOK, services)
	})

	r.Post("/services/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := status.ShutdownLocal(id); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, agent.ErrNotSupervised) {
				code = http.StatusNotFound
			}
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, ActionResponse{Status: "accepted", ServiceID: id})
	})

	return &AgentServer{http: newHTTPServer(addr, r), logger: logger}
}

func (s *AgentServer) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop is called
func (s *AgentServer) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Agent status page listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent status page failed: %w", err)
	}
	return nil
}

func (s *AgentServer) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
