package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// VerifyRequest is the wire shape of a start-verification call. Zero-valued
// fields fall back to the configured checker defaults.
type VerifyRequest struct {
	// IDs selects stored endpoints to verify; empty means all.
	IDs                    []string `json:"ids,omitempty"`
	Concurrency            int      `json:"concurrency,omitempty"`
	TimeoutMs              int      `json:"timeout_ms,omitempty"`
	ProbeURL               string   `json:"probe_url,omitempty"`
	CheckAnonymity         bool     `json:"check_anonymity"`
	DeleteDeadOnCompletion bool     `json:"delete_dead_on_completion"`
}

// AggregateRequest selects which providers to pull and which transport kinds
// to keep.
type AggregateRequest struct {
	Sources []string `json:"sources,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
}

// ImportRequest carries a pasted text list, one address:port[:user:pass] per
// line, all tagged with one transport kind.
type ImportRequest struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// ServerController defines the interface that the web handler uses to
// interact with the application core. This decouples the web package from
// the app package.
type ServerController interface {
	StartVerification(req VerifyRequest) (string, error)
	StopRun(runID string) error
	StartAggregation(req AggregateRequest) error
	ListEndpoints(kind, status string) ([]*types.StoredEndpoint, error)
	ImportEndpoints(lines []string, kind string) (int, error)
	DeleteEndpoints(ids []string) (int, error)
	ClearEndpoints() error
	GetSources() ([]*types.SourceListing, error)
	ActiveRuns() []string
}

type Handler struct {
	controller ServerController
}

func NewHandler(controller ServerController) *Handler {
	return &Handler{controller: controller}
}

// HandleStartVerification 处理 POST /api/verify/start 请求
func (h *Handler) HandleStartVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := h.controller.StartVerification(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]string{"run_id": runID})
}

// HandleStopRun 处理 POST /api/verify/stop 请求
func (h *Handler) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.controller.StopRun(req.RunID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartAggregation 处理 POST /api/aggregate/start 请求
func (h *Handler) HandleStartAggregation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.controller.StartAggregation(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleEndpoints 处理 GET /api/endpoints 请求
func (h *Handler) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints, err := h.controller.ListEndpoints(r.URL.Query().Get("kind"), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, endpoints)
}

// HandleImport 处理 POST /api/endpoints/import 请求
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	count, err := h.controller.ImportEndpoints(strings.Split(req.Text, "\n"), req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"imported": count})
}

// HandleDelete 处理 POST /api/endpoints/delete 请求
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	count, err := h.controller.DeleteEndpoints(req.IDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"deleted": count})
}

// HandleClear 处理 POST /api/endpoints/clear 请求
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.ClearEndpoints(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSources 处理 GET /api/sources 请求
func (h *Handler) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	listings, err := h.controller.GetSources()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, listings)
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"active_runs": h.controller.ActiveRuns(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response.")
	}
}
