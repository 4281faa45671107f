package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/autosalon/purchase-system/orchestrator-service/application"
	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identity headers injected by the gateway after token verification.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	startSaga  *application.StartSaga
	getSaga    *application.GetSaga
	cancelSaga *application.CancelSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(
	startSaga *application.StartSaga,
	getSaga *application.GetSaga,
	cancelSaga *application.CancelSaga,
) *SagaHandlers {
	return &SagaHandlers{
		startSaga:  startSaga,
		getSaga:    getSaga,
		cancelSaga: cancelSaga,
	}
}

// claimsFromRequest rebuilds the caller identity from the gateway headers
func claimsFromRequest(r *http.Request) (*auth.Claims, error) {
	userID := r.Header.Get(HeaderUserID)
	role := auth.Role(r.Header.Get(HeaderUserRole))

	if userID == "" || !role.Valid() {
		return nil, errors.New("missing caller identity")
	}
	return &auth.Claims{Subject: userID, Role: role}, nil
}

// StartSaga handles purchase saga creation requests
func (h *SagaHandlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var cmd application.StartSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Clients only buy for themselves; managers may start on behalf of one.
	if !claims.Role.CanReadAnyOrder() {
		cmd.ClientID = claims.Subject
	} else if cmd.ClientID == "" {
		cmd.ClientID = claims.Subject
	}

	response, err := h.startSaga.Execute(r.Context(), &cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(response)
}

// GetSaga handles saga state queries
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	view, err := h.getSaga.Execute(r.Context(), sagaID, claims)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// ListSagas returns the caller's sagas
func (h *SagaHandlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	offset, limit := pagination(r)
	views, err := h.getSaga.ListByClient(r.Context(), claims, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// CancelSaga handles cancellation requests
func (h *SagaHandlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	cmd := &application.CancelSagaCommand{
		SagaID: chi.URLParam(r, "id"),
		Reason: body.Reason,
	}

	if err := h.cancelSaga.Execute(r.Context(), cmd, claims); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListPoison returns the operator reconciliation queue
func (h *SagaHandlers) ListPoison(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	offset, limit := pagination(r)
	records, err := h.getSaga.ListPoison(r.Context(), claims, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// Health reports liveness
func (h *SagaHandlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", h.StartSaga)
		r.Get("/", h.ListSagas)
		r.Get("/{id}", h.GetSaga)
		r.Post("/{id}/cancel", h.CancelSaga)
	})

	r.Get("/poison", h.ListPoison)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSagaNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, application.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrOrderExists),
		errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func isValidationError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"invalid command", "invalid saga ID", "invalid client ID", "invalid order ID"} {
		if strings.HasPrefix(msg, marker) {
			return true
		}
	}
	return false
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return offset, limit
}
