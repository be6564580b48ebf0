package remote

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/internal/codec"
	"github.com/hupe1980/agentbay/logging"
)

// maxBodyBytes bounds accepted request bodies.
const maxBodyBytes = 1 << 20

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// APIKey, when set, is required as bearer token.
	APIKey string
	Logger logging.Logger
}

// Handler serves the session API on top of a BackendStore.
type Handler struct {
	store  core.BackendStore
	apiKey string
	logger logging.Logger
	mux    *http.ServeMux
}

// NewHandler creates a Handler.
func NewHandler(store core.BackendStore, optFns ...func(o *HandlerOptions)) *Handler {
	opts := HandlerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	h := &Handler{store: store, apiKey: opts.APIKey, logger: logging.OrNoOp(opts.Logger), mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/sessions", h.create)
	h.mux.HandleFunc("PATCH /v1/sessions/{id}", h.update)
	h.mux.HandleFunc("POST /v1/sessions/{id}/close", h.close)
	h.mux.HandleFunc("GET /v1/sessions/{id}", h.get)
	h.mux.HandleFunc("GET /v1/sessions", h.list)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" {
		want := "Bearer " + h.apiKey
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
			h.writeError(w, r, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var info core.SessionInfo
	if !h.decode(w, r, &info) {
		return
	}
	if info.ID == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	if err := h.store.CreateSession(r.Context(), info); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var fields core.MergeFields
	if !h.decode(w, r, &fields) {
		return
	}
	if err := h.store.UpdateSession(r.Context(), r.PathValue("id"), fields); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.CloseSession(r.Context(), r.PathValue("id"), req.Status, req.Fields); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.write(w, r, http.StatusOK, rec)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(core.SessionLister)
	if !ok {
		h.writeError(w, r, http.StatusNotImplemented, core.ErrListUnsupported)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}
	sessions, err := lister.ListActive(r.Context(), agentID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []core.SessionInfo{}
	}
	h.write(w, r, http.StatusOK, listResponse{Sessions: sessions})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		raw, err = codec.Decompress(raw, r.Header.Get("Content-Encoding"))
	}
	if err == nil {
		err = codec.ForContentType(r.Header.Get("Content-Type")).Unmarshal(raw, v)
	}
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, core.ErrConflict):
		h.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, core.ErrInvalidStatus):
		h.writeError(w, r, http.StatusBadRequest, err)
	default:
		h.logger.Error("session store failure", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, r, http.StatusServiceUnavailable, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	h.write(w, r, code, errorBody{Error: err.Error()})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, code int, v any) {
	c := codec.ForContentType(r.Header.Get("Accept"))
	data, err := c.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
