package ingress

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// MaxBodySize caps a webhook body.
const MaxBodySize = 1 << 20

type ack struct {
	Received bool   `json:"received"`
	Status   Status `json:"status,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves POST /webhooks/{provider} for a set of ingresses.
type Handler struct {
	byProvider map[string]*Ingress
	log        *slog.Logger
}

// NewHandler routes deliveries to the ingress whose provider matches the
// path segment.
func NewHandler(log *slog.Logger, ingresses ...*Ingress) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		byProvider: make(map[string]*Ingress, len(ingresses)),
		log:        log.With(logger.Component("ingress")),
	}
	for _, in := range ingresses {
		h.byProvider[strings.ToLower(in.Provider())] = in
	}
	return h
}

// Routes mounts the webhook endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.ServeWebhook)
}

func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	in, ok := h.byProvider[strings.ToLower(chi.URLParam(r, "provider"))]
	if !ok {
		httpserver.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "unknown_provider"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		h.log.WarnContext(r.Context(), "unreadable webhook body", logger.Provider(in.Provider()), logger.Error(err))
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body"})
		return
	}

	res, err := in.Handle(r.Context(), body, r.Header)
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_signature"})
		return
	case errors.Is(err, billing.ErrInvalidPayload):
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_payload"})
		return
	case err != nil:
		// The provider redelivers on 5xx.
		httpserver.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
		return
	}

	resp := ack{Received: true}
	if res.Status == StatusProcessingFailed {
		resp.Status = res.Status
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}
