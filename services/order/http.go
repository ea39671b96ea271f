package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glimte/foodsaga/contracts"
	"github.com/glimte/foodsaga/idempotency"
	"github.com/glimte/foodsaga/internal/httpapi"
	"github.com/glimte/foodsaga/internal/reliability"
)

// HeaderIdempotencyKey makes repeated commands return the first response
const HeaderIdempotencyKey = "idempotency-key"

// HeaderReplayed is set on a response served from the idempotency cache
const HeaderReplayed = "Idempotent-Replayed"

const maxBodyBytes = 1 << 20

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"orderId,omitempty"`
}

type orderResponse struct {
	ID           string                `json:"id"`
	RestaurantID string                `json:"restaurantId"`
	Items        []contracts.OrderItem `json:"items"`
	Total        float64               `json:"total"`
	Status       Status                `json:"status"`
	CancelReason string                `json:"cancelReason,omitempty"`
	CreatedAt    string                `json:"createdAt"`
	UpdatedAt    string                `json:"updatedAt"`
	CancelledAt  string                `json:"cancelledAt,omitempty"`
}

func toOrderResponse(o Order) orderResponse {
	resp := orderResponse{
		ID:           o.ID,
		RestaurantID: o.RestaurantID,
		Items:        o.Items,
		Total:        o.Total,
		Status:       o.Status,
		CancelReason: string(o.CancelReason),
		CreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !o.CancelledAt.IsZero() {
		resp.CancelledAt = o.CancelledAt.UTC().Format(time.RFC3339)
	}
	if resp.Items == nil {
		resp.Items = []contracts.OrderItem{}
	}
	return resp
}

// Handler serves the order commands over HTTP
type Handler struct {
	service   *Service
	responses *idempotency.ResponseCache
	logger    *slog.Logger
}

// NewHandler creates the HTTP handler. responses caches replies by
// idempotency key.
func NewHandler(service *Service, responses *idempotency.ResponseCache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, responses: responses, logger: logger.With("component", "order-http")}
}

// Mount registers the order routes on r
func (h *Handler) Mount(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{orderId}", h.get)
		r.Post("/{orderId}/cancel", h.cancel)
		r.Post("/{orderId}/delivered", h.delivered)
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	h.idempotent(w, r, func(body []byte) (int, any, error) {
		var in CreateInput
		if err := httpapi.DecodeBody(bytes.NewReader(body), &in); err != nil {
			return 0, nil, &contracts.ValidationError{Field: "body", Message: err.Error()}
		}
		o, err := h.service.Create(r.Context(), in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toOrderResponse(o), nil
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.idempotent(w, r, func(body []byte) (int, any, error) {
		var req cancelRequest
		if err := httpapi.DecodeBody(bytes.NewReader(body), &req); err != nil {
			return 0, nil, &contracts.ValidationError{Field: "body", Message: err.Error()}
		}
		res, err := h.service.Cancel(r.Context(), chi.URLParam(r, "orderId"), req.Reason)
		if err != nil {
			return 0, nil, err
		}
		if res.AlreadyCancelled {
			return http.StatusOK, cancelResponse{Success: true, Message: "Order already cancelled"}, nil
		}
		return http.StatusOK, cancelResponse{
			Success: true,
			Message: "Order cancellation initiated",
			OrderID: res.Order.ID,
		}, nil
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Order(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) delivered(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.MarkDelivered(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toOrderResponse(o))
}

// idempotent runs a command once per idempotency key. A successful reply is
// cached with a fingerprint of the request and replayed byte for byte.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, run func(body []byte) (int, any, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	scope := r.Method + " " + r.URL.Path

	cached, err := h.responses.Lookup(r.Context(), key, scope, body)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	if cached != nil {
		h.logger.Info("idempotency key replayed", "idempotencyKey", key, "path", r.URL.Path, "requestId", httpapi.RequestID(r.Context()))
		w.Header().Set(HeaderReplayed, "true")
		httpapi.WriteRaw(w, cached.Status, cached.ContentType, cached.Body)
		return
	}

	status, payload, err := run(body)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	encoded = append(encoded, '\n')
	if err := h.responses.Store(r.Context(), key, scope, body, status, "application/json", encoded); err != nil {
		h.logger.Warn("failed to cache idempotent response", "idempotencyKey", key, "error", err)
	}
	httpapi.WriteRaw(w, status, "application/json", encoded)
}

func (h *Handler) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *contracts.ValidationError
	switch {
	case errors.As(err, &ve):
		httpapi.WriteError(w, http.StatusBadRequest, ve.Message)
	case contracts.IsNotFound(err):
		httpapi.WriteError(w, http.StatusNotFound, "Order not found")
	case reliability.IsDownstreamUnavailable(err):
		h.logger.Warn("downstream unavailable", "path", r.URL.Path, "requestId", httpapi.RequestID(r.Context()), "error", err)
		httpapi.WriteErrorDetail(w, http.StatusServiceUnavailable, "Service unavailable", err.Error())
	default:
		h.logger.Error("error handling order command", "path", r.URL.Path, "requestId", httpapi.RequestID(r.Context()), "error", err)
		httpapi.WriteErrorDetail(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}
