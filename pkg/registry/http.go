package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// SecretHeader carries the shared registration secret.
const SecretHeader = "X-Registry-Secret"

// Handler exposes the registry over HTTP
type Handler struct {
	registry *Registry
	secret   string
}

// NewHandler creates the HTTP handler. An empty secret disables the check.
func NewHandler(registry *Registry, secret string) *Handler {
	return &Handler{registry: registry, secret: secret}
}

// Routes mounts the registry endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/", h.list)
		r.Post("/register", h.register)
		r.Post("/{id}/heartbeat", h.heartbeat)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid registry secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": h.registry.GetAll()})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var info AgentInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent payload")
		return
	}
	if err := h.registry.Register(info); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, _ := h.registry.Get(info.ID)
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Heartbeat(id); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write registry response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
