// Package api serves the JSON control surface used by the web UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/dispatch"
	"github.com/satindergrewal/loophost/internal/effect"
	"github.com/satindergrewal/loophost/internal/graph"
	"github.com/satindergrewal/loophost/internal/host"
)

// Host is the controller surface the API drives.
type Host interface {
	Play() error
	Rewire(ctx context.Context, desc *effect.Descriptor) (<-chan error, error)
	Status() (host.Status, error)
	State() host.TransportState
	Shape() graph.Shape
	Unit() effect.Unit
}

// Config wires the handlers to the running host.
type Config struct {
	Host     Host
	Registry *effect.Registry
	// Master holds the mixer's parameters.
	Master   *effect.ParameterTree
	Resource *audio.Resource
	// Listeners reports connected monitor listeners by kind.
	Listeners func() map[string]int
	Logger    *slog.Logger
}

// Server holds the API handlers.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the API server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "api")}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/play", s.handlePlay)
	mux.HandleFunc("/api/effect", s.handleEffect)
	mux.HandleFunc("/api/effects", s.handleEffects)
	mux.HandleFunc("/api/param", s.handleParam)
}

type unitJSON struct {
	Descriptor  string      `json:"descriptor"`
	Name        string      `json:"name"`
	ContextName string      `json:"context_name,omitempty"`
	Format      string      `json:"format,omitempty"`
	Params      []paramJSON `json:"params,omitempty"`
}

type paramJSON struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Value float64 `json:"value"`
}

func params(t *effect.ParameterTree) []paramJSON {
	if t == nil {
		return nil
	}
	all := t.All()
	out := make([]paramJSON, 0, len(all))
	for _, p := range all {
		out = append(out, paramJSON{ID: p.ID, Name: p.Name, Min: p.Min, Max: p.Max, Value: p.Value()})
	}
	return out
}

func describe(u effect.Unit) *unitJSON {
	if u == nil {
		return nil
	}
	out := &unitJSON{
		Descriptor: u.Descriptor().String(),
		Name:       u.Name(),
		Format:     u.PreferredFormat().String(),
		Params:     params(u.Parameters()),
	}
	if named, ok := u.(interface{ ContextName() string }); ok {
		out.ContextName = named.ContextName()
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Host.Status()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	conns := make([]string, 0, len(st.Edges))
	for _, e := range st.Edges {
		conns = append(conns, e.String())
	}

	status := map[string]any{
		"state":    st.State.String(),
		"shape":    st.Shape.String(),
		"edges":    conns,
		"effect":   describe(st.Unit),
		"rewiring": st.Rewiring,
	}
	if res := s.cfg.Resource; res != nil {
		status["resource"] = map[string]any{
			"path":     res.Path(),
			"format":   res.Format().String(),
			"duration": res.Duration().Seconds(),
		}
	}
	if s.cfg.Listeners != nil {
		status["listeners"] = s.cfg.Listeners()
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Host.Play(); err != nil {
		s.logger.Error("play failed", "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": s.cfg.Host.State().String()})
}

// handleEffect replaces the effect slot and waits for the new shape.
// An empty effect selects bypass.
func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Effect string `json:"effect"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	var desc *effect.Descriptor
	if text := strings.TrimSpace(req.Effect); text != "" {
		d, err := effect.ParseDescriptor(text)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		desc = &d
	}

	// The rewire outlives the request if the client goes away.
	done, err := s.cfg.Host.Rewire(context.WithoutCancel(r.Context()), desc)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	select {
	case err = <-done:
	case <-r.Context().Done():
		return
	}
	if err != nil {
		s.logger.Warn("effect change failed", "effect", req.Effect, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"shape":  s.cfg.Host.Shape().String(),
		"effect": describe(s.cfg.Host.Unit()),
	})
}

func (s *Server) handleEffects(w http.ResponseWriter, r *http.Request) {
	regs := s.cfg.Registry.List()
	out := make([]unitJSON, 0, len(regs))
	for _, reg := range regs {
		out = append(out, unitJSON{Descriptor: reg.Descriptor.String(), Name: reg.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleParam reads or writes a parameter of the effect unit or the master
// mixer.
func (s *Server) handleParam(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var unit []paramJSON
		if u := s.cfg.Host.Unit(); u != nil {
			unit = params(u.Parameters())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"effect": unit,
			"master": params(s.cfg.Master),
		})
	case http.MethodPost:
		var req struct {
			Target string   `json:"target"`
			ID     string   `json:"id"`
			Value  *float64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Value == nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		var tree *effect.ParameterTree
		switch req.Target {
		case "", "effect":
			u := s.cfg.Host.Unit()
			if u == nil {
				http.Error(w, "no effect inserted", http.StatusConflict)
				return
			}
			tree = u.Parameters()
		case "master":
			tree = s.cfg.Master
		default:
			http.Error(w, fmt.Sprintf("unknown target %q", req.Target), http.StatusBadRequest)
			return
		}
		if tree == nil {
			http.Error(w, "no parameters", http.StatusConflict)
			return
		}

		v, err := tree.Set(req.ID, *req.Value)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID, "value": v})
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, effect.ErrUnregistered):
		return http.StatusNotFound
	case errors.Is(err, effect.ErrUnknownParameter):
		return http.StatusBadRequest
	case errors.Is(err, effect.ErrInstantiateTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
