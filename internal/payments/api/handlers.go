package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/common/api"
	"payrecon/internal/common/money"
	"payrecon/internal/order"
	"payrecon/internal/payments"
)

// Handler handles payment order HTTP requests
type Handler struct {
	service *payments.Service
}

// NewHandler creates a new payments handler
func NewHandler(service *payments.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the versioned order routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/orders", h.CreateOrder)
	r.Get("/orders/{reference}", h.GetOrder)
	r.Get("/orders/{reference}/status", h.GetStatus)

	return r
}

// MountCompat registers the storefront routes at /api/pay on r.
func (h *Handler) MountCompat(r chi.Router) {
	r.Post("/api/pay", h.CreatePay)
	r.Get("/api/pay", h.GetPay)
}

// CreateOrderRequest is the API request for creating an order
type CreateOrderRequest struct {
	Quantity int    `json:"quantity" validate:"omitempty,min=1"`
	Amount   string `json:"amount" validate:"omitempty,numeric"`
}

// CreateOrderResponse is returned once the order is stored
type CreateOrderResponse struct {
	Reference  string      `json:"reference"`
	PaymentURL string      `json:"payment_url"`
	Amount     money.Money `json:"amount"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// StatusResponse carries an order's status
type StatusResponse struct {
	Reference string       `json:"reference"`
	Status    order.Status `json:"status"`
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	created, err := h.service.CreateOrder(r.Context(), payments.CreateOrderRequest{
		Quantity: req.Quantity,
		Amount:   req.Amount,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidRequest) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
			return
		}
		api.InternalError(w, "failed to create order")
		return
	}

	api.WriteData(w, http.StatusCreated, CreateOrderResponse{
		Reference:  created.Order.Reference.String(),
		PaymentURL: created.PaymentURL,
		Amount:     created.Order.Amount,
		ExpiresAt:  created.Order.ExpiresAt,
	})
}

// GetOrder handles GET /orders/{reference}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Order(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, o)
}

// GetStatus handles GET /orders/{reference}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	status, err := h.service.Status(r.Context(), ref)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, StatusResponse{Reference: ref, Status: status})
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrInvalidRef):
		api.BadRequest(w, "malformed reference")
	case errors.Is(err, order.ErrNotFound):
		api.OrderNotFound(w)
	default:
		api.InternalError(w, "failed to resolve order status")
	}
}

// PayRequest is the storefront order request
type PayRequest struct {
	ShirtQuantity int `json:"shirtQuantity" validate:"required,min=1"`
}

// PayResponse is the storefront order response
type PayResponse struct {
	PaymentURL string `json:"paymentUrl"`
	OrderKey   string `json:"orderKey"`
}

type payStatus struct {
	Status order.Status `json:"status"`
}

type payError struct {
	Error string `json:"error"`
}

// CreatePay handles POST /api/pay. Responses are unwrapped for storefront clients.
func (h *Handler) CreatePay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, api.ErrMalformedBody) {
			status = http.StatusBadRequest
		}
		api.WriteJSON(w, status, payError{Error: "Invalid shirt quantity"})
		return
	}

	created, err := h.service.CreateOrder(r.Context(), payments.CreateOrderRequest{Quantity: req.ShirtQuantity})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidRequest) {
			api.WriteJSON(w, http.StatusUnprocessableEntity, payError{Error: "Invalid shirt quantity"})
			return
		}
		api.WriteJSON(w, http.StatusInternalServerError, payError{Error: "Failed to create order"})
		return
	}

	api.WriteJSON(w, http.StatusOK, PayResponse{
		PaymentURL: created.PaymentURL,
		OrderKey:   created.Order.Reference.String(),
	})
}

// GetPay handles GET /api/pay?orderKey=
func (h *Handler) GetPay(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("orderKey")
	if key == "" {
		api.WriteJSON(w, http.StatusBadRequest, payError{Error: "Order key not provided"})
		return
	}

	status, err := h.service.Status(r.Context(), key)
	switch {
	case errors.Is(err, payments.ErrInvalidRef):
		api.WriteJSON(w, http.StatusBadRequest, payError{Error: "Invalid order key"})
	case errors.Is(err, order.ErrNotFound):
		api.WriteJSON(w, http.StatusNotFound, payError{Error: "Order not found"})
	case err != nil:
		api.WriteJSON(w, http.StatusInternalServerError, payError{Error: "Payment verification failed"})
	default:
		api.WriteJSON(w, http.StatusOK, payStatus{Status: status})
	}
}
