package agent

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/events"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// commandRequest is the body of POST /sessions/{sessionID}/commands: a
// raw natural-language string, classified by ParseCommand into STOP,
// STATUS, or a UserRequest creation (§6.1/§4.7). Unknown fields are
// rejected, per §6.1's "Unknown fields rejected".
type commandRequest struct {
	Query       string           `json:"query"`
	UserRequest *types.UserRequest `json:"userRequest,omitempty"`
}

type commandResponse struct {
	InstanceID string `json:"instanceId,omitempty"`
	Text       string `json:"text,omitempty"`
	ChartJSON  string `json:"chartJson,omitempty"`
}

// Handler adapts Registry to HTTP, grounded on the teacher's
// internal/api/handlers.go mux-route-per-operation style. It registers
// exactly two route groups: session commands (§6.1) and the per-session
// websocket event stream (§6.2). cmd/runtime mounts them on the same
// router that serves /healthz and /metrics.
type Handler struct {
	logger   *zap.Logger
	registry *Registry
	hub      *events.Hub
}

// NewHandler wires registry and hub into an http.Handler-producing
// adapter.
func NewHandler(logger *zap.Logger, registry *Registry, hub *events.Hub) *Handler {
	return &Handler{logger: logger, registry: registry, hub: hub}
}

// RegisterRoutes mounts the handler's routes onto router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sessions/{sessionID}/commands", h.handleCommand).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{sessionID}/stream", h.handleStream).Methods(http.MethodGet)
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	var req commandRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	kind, _ := ParseCommand(req.Query)
	if kind == CommandCreate {
		if req.UserRequest == nil {
			http.Error(w, "query did not match a control command and no userRequest was supplied", http.StatusBadRequest)
			return
		}
		instanceID, err := h.registry.Start(r.Context(), sessionID, *req.UserRequest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, commandResponse{InstanceID: instanceID})
		return
	}

	text, chartJSON := h.registry.Dispatch(sessionID, req.Query)
	writeJSON(w, commandResponse{Text: text, ChartJSON: chartJSON})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if err := h.hub.ServeStrategy(w, r, sessionID); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}
