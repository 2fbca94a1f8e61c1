package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
)

// Node is what the admin endpoints need from a running node.
type Node interface {
	Status() clusterserver.Status
	Ready() bool
	DrainConn(ctx context.Context, connID, reason string) error
}

// Handler serves the admin endpoints.
type Handler struct {
	node   Node
	logger *slog.Logger
}

// New creates a handler for node.
func New(node Node, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{node: node, logger: logger}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /readyz.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.node.Ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.node.Status())
}

// Connections handles GET /v1/connections. The optional peer query
// parameter keeps connections to one node ("N3") or incarnation ("N3:2").
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	conns := h.node.Status().Connections
	if peer := r.URL.Query().Get("peer"); peer != "" {
		match, err := peerFilter(peer)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidArgument.Code, err.Error())
			return
		}
		kept := conns[:0]
		for _, c := range conns {
			if match(c.Peer) {
				kept = append(kept, c)
			}
		}
		conns = kept
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
	})
}

// Drain handles POST /v1/connections/{id}/drain.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "admin request"
	}

	err := h.node.DrainConn(r.Context(), id, reason)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, map[string]string{"conn_id": id, "status": "draining"})
	case errors.Is(err, domain.ErrConnectionNotFound):
		h.writeError(w, http.StatusNotFound, domain.ErrConnectionNotFound.Code, err.Error())
	case errors.Is(err, domain.ErrDraining), errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, domain.ErrNotOpen):
		h.writeError(w, http.StatusConflict, domain.GetErrorCode(err), err.Error())
	default:
		h.logger.Error("drain failed", "conn_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error")
	}
}

// peerFilter matches "N<id>" against any generation and "N<id>:<gen>"
// exactly.
func peerFilter(s string) (func(string) bool, error) {
	if strings.Contains(s, ":") {
		want, err := domain.ParseGenerationalNodeID(s)
		if err != nil {
			return nil, err
		}
		return func(p string) bool {
			got, err := domain.ParseGenerationalNodeID(p)
			return err == nil && got == want
		}, nil
	}
	id, err := domain.ParsePlainNodeID(s)
	if err != nil {
		return nil, err
	}
	return func(p string) bool {
		got, err := domain.ParseGenerationalNodeID(p)
		return err == nil && got.ID == id
	}, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("X-Error-Code", code)
	h.writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
