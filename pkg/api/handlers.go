package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/colony/pkg/controller"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/go-chi/chi/v5"
)

// maxConfigBytes caps the body of PUT /api/v1/config
const maxConfigBytes = 4 << 20

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// ActionResponse acknowledges a start, shutdown or reload request
type ActionResponse struct {
	Status    string `json:"status"`
	ServiceID string `json:"serviceId,omitempty"`
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services := s.config.Status.ServiceDescriptorMap()

	if host := r.URL.Query().Get("host"); host != "" {
		for id, desc := range services {
			if desc.Host != host {
				delete(services, id)
			}
		}
	}
	if name := r.URL.Query().Get("state"); name != "" {
		state, err := types.ParseState(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for id, desc := range services {
			if desc.State != state {
				delete(services, id)
			}
		}
	}

	writeJSON(w, http.StatusOK, services)
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.config.Status.StartService(id); err != nil {
		s.logger.Warn().Err(err).Str("service_id", id).Msg("Start request rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Status: "accepted", ServiceID: id})
}

func (s *Server) shutdownService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.config.Status.ShutdownService(id); err != nil {
		s.logger.Warn().Err(err).Str("service_id", id).Msg("Shutdown request rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Status: "accepted", ServiceID: id})
}

func (s *Server) configuredNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Status.ConfiguredManagerHosts())
}

func (s *Server) availableNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.config.Status.AvailableNodes()
	if nodes == nil {
		nodes = []string{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	entries := s.config.Status.DesiredEntries()

	if wantsYAML(r.Header.Get("Accept")) {
		data, err := storage.EncodeEntries(entries)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	if entries == nil {
		entries = []types.NodeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) applyConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("configuration exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	var entries []types.NodeEntry
	if wantsYAML(r.Header.Get("Content-Type")) {
		entries, err = storage.DecodeEntries(data)
	} else {
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode configuration: %v", err))
		return
	}

	if err := s.config.Status.Reconfigure(entries); err != nil {
		s.logger.Warn().Err(err).Msg("Configuration rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "applied"})
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Status.ReloadConfig(); err != nil {
		s.logger.Error().Err(err).Msg("Configuration reload failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "reloaded"})
}

// statusFor maps controller and validation errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrNodeOffline):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func wantsYAML(header string) bool {
	return strings.Contains(header, "yaml")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
