package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-translate/internal/eventstore"
	"github.com/loqalabs/loqa-translate/internal/translate"
)

// SessionHeader carries the caller's session identifier. A new one is
// assigned and echoed back when absent.
const SessionHeader = "X-Session-ID"

// AuditReader lists the metadata recorded for a session.
type AuditReader interface {
	ListSessionTranslations(ctx context.Context, sessionID string, limit int) ([]eventstore.Record, error)
}

// Handler exposes the gateway over HTTP.
type Handler struct {
	gateway      *Gateway
	audit        AuditReader
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHandler builds the HTTP surface. audit may be nil, in which case the
// audit route is not registered.
func NewHandler(g *Gateway, audit AuditReader, maxBodyBytes int64, logger *slog.Logger) *Handler {
	return &Handler{
		gateway:      g,
		audit:        audit,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(slog.String("component", "translate-http")),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/translate", h.handleTranslate)
	mux.HandleFunc("/api/languages", h.handleLanguages)
	if h.audit != nil {
		mux.HandleFunc("GET /api/sessions/{id}/translations", h.handleAudit)
	}
}

type translationResponse struct {
	Translation string `json:"translation"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if sessionID == "" || len(sessionID) > 128 {
		sessionID = uuid.NewString()
	}
	w.Header().Set(SessionHeader, sessionID)

	var req translate.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		h.logger.Debug("rejecting request body", slogError(err))
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: translate.MessageInvalidBody})
		return
	}

	ctx := WithCall(r.Context(), Call{SessionID: sessionID, Origin: "http"})
	result := h.gateway.Translate(ctx, req)
	if !result.OK() {
		h.writeJSON(w, result.HTTPStatus, errorResponse{Error: result.Error})
		return
	}
	h.writeJSON(w, http.StatusOK, translationResponse{Translation: result.Translation})
}

func (h *Handler) handleLanguages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"languages":         translate.Languages(),
		"defaultSourceLang": translate.DefaultSourceLang,
		"defaultTargetLang": translate.DefaultTargetLang,
	})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.audit.ListSessionTranslations(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		h.logger.Error("failed to list audit records", slogError(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to read audit trail"})
		return
	}
	if records == nil {
		records = []eventstore.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"translations": records})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", slogError(err))
	}
}
