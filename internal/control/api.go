// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/pkg/errutil"
)

// maxBodyBytes bounds request bodies, including call arguments.
const maxBodyBytes = 4 << 20

func (s *Server) routeBackends(mux *http.ServeMux) {
	mux.HandleFunc("GET /backends", s.handleList)
	mux.HandleFunc("GET /backends/metrics", s.handleAllMetrics)
	mux.HandleFunc("GET /backends/{id}", s.handleInfo)
	mux.HandleFunc("POST /backends/{id}", s.handleLoad)
	mux.HandleFunc("DELETE /backends/{id}", s.handleUnload)
	mux.HandleFunc("POST /backends/{id}/call/{function}", s.handleCall)
	mux.HandleFunc("POST /backends/{id}/reload", s.handleReload)
	mux.HandleFunc("POST /backends/{id}/restart", s.handleRestart)
	mux.HandleFunc("GET /backends/{id}/metrics", s.handleMetrics)
	mux.HandleFunc("GET /backends/{id}/health", s.handleBackendHealth)
	mux.HandleFunc("GET /backends/{id}/commands", s.handleCommands)
	mux.HandleFunc("PUT /backends/{id}/log-level", s.handleLogLevel)
}

// statusFor maps a backend error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case backend.CodeNotLoaded, backend.CodeLibraryNotFound, backend.CodeFunctionNotFound:
		return http.StatusNotFound
	case backend.CodeInvalidArgument:
		return http.StatusBadRequest
	case backend.CodeCallDenied:
		return http.StatusForbidden
	case backend.CodeNotReadyToUnload, backend.CodeLockContention:
		return http.StatusConflict
	case backend.CodeCapabilityMissing:
		return http.StatusNotImplemented
	case backend.CodeForeignCall:
		return http.StatusBadGateway
	case backend.CodeCallAbandoned:
		return http.StatusGatewayTimeout
	case backend.CodeRegistryClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errutil.Code(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		errutil.LogError(s.logger, "control request failed", err, "method", r.Method, "path", r.URL.Path)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: backend.CodeInvalidArgument})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Backends.Infos())
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Backends.AllMetrics())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Backends.Info(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := decodeBody(r, &req); err != nil || req.Path == "" {
		s.badRequest(w, "body must be {\"path\": \"<library path>\"}")
		return
	}
	id := r.PathValue("id")
	if err := s.opts.Backends.Load(r.Context(), id, req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.opts.Backends.Info(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Backends.Unload(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	args, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.badRequest(w, "read arguments: "+err.Error())
		return
	}
	out, err := s.opts.Backends.Call(r.Context(), r.PathValue("id"), r.PathValue("function"), string(args))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CallResponse{Result: out})
}

func (s *Server) writeReload(w http.ResponseWriter, r *http.Request, res backend.HotReloadResult, err error) {
	if err != nil {
		code := errutil.Code(err)
		status := statusFor(code)
		if status >= http.StatusInternalServerError {
			errutil.LogError(s.logger, "reload request failed", err, "path", r.URL.Path)
		}
		s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Reload: &res})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := decodeBody(r, &req); err != nil || req.Path == "" {
		s.badRequest(w, "body must be {\"path\": \"<new library path>\"}")
		return
	}
	res, err := s.opts.Backends.HotReload(r.Context(), r.PathValue("id"), req.Path)
	s.writeReload(w, r, res, err)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Backends.Restart(r.Context(), r.PathValue("id"))
	s.writeReload(w, r, res, err)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Backends.Metrics(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	healthy, err := s.opts.Backends.HealthCheck(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	canReload, err := s.opts.Backends.CanHotReload(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BackendHealth{Healthy: healthy, CanReload: canReload})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.opts.Backends.Commands(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []backend.Command{}
	}
	s.writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "body must be {\"level\": \"<level>\"}")
		return
	}
	if err := s.opts.Backends.SetLogLevel(r.Context(), r.PathValue("id"), req.Level); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
