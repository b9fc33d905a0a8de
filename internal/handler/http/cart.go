package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/service"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httputil"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/validator"
)

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	engine *service.Engine
	merger *service.MergeCoordinator
	logger *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(engine *service.Engine, merger *service.MergeCoordinator, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		engine: engine,
		merger: merger,
		logger: logger,
	}
}

// --- Request DTOs ---

// AddItemRequest is the JSON request body for adding an item to the cart.
// BookingData is decoded against ProductType once the type is known.
type AddItemRequest struct {
	ProductType string                  `json:"product_type" validate:"required,product_type"`
	ProductID   string                  `json:"product_id" validate:"required,max=128"`
	VariantID   string                  `json:"variant_id" validate:"max=128"`
	BookingData json.RawMessage         `json:"booking_data" validate:"required"`
	Options     []domain.SelectedOption `json:"options" validate:"omitempty,max=20,dive"`
}

// UpdateItemRequest is the JSON request body for changing a cart item.
// Absent fields keep their value; "options": [] removes every option.
type UpdateItemRequest struct {
	VariantID   *string                  `json:"variant_id" validate:"omitempty,max=128"`
	BookingData json.RawMessage          `json:"booking_data"`
	Options     *[]domain.SelectedOption `json:"options" validate:"omitempty,max=20,dive"`
}

// MergeRequest optionally names the guest session when the caller does not
// send it as a header.
type MergeRequest struct {
	SessionKey string `json:"session_key"`
}

// CartResponse is a cart with its checkout totals.
type CartResponse struct {
	*domain.Cart
	Totals *domain.CartTotals `json:"totals"`
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	identity, cart, ok := h.resolveCart(w, r)
	if !ok {
		return
	}
	totals, err := h.engine.Summarize(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: CartResponse{Cart: cart, Totals: totals}})
}

// Summary handles GET /api/v1/cart/summary
func (h *CartHandler) Summary(w http.ResponseWriter, r *http.Request) {
	identity, _, ok := h.resolveCart(w, r)
	if !ok {
		return
	}
	totals, err := h.engine.Summarize(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: totals})
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	pt := domain.ProductType(req.ProductType)
	booking, err := domain.ParseBookingData(pt, req.BookingData)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	identity, cart, ok := h.resolveCart(w, r)
	if !ok {
		return
	}
	r = withCart(r, cart.ID)

	item, err := h.engine.AddItem(r.Context(), identity, service.AddItemInput{
		ProductType: pt,
		ProductID:   req.ProductID,
		VariantID:   req.VariantID,
		BookingData: booking,
		Options:     req.Options,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: item})
}

// UpdateItem handles PATCH /api/v1/cart/items/{itemId}
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")
	if _, ok := httputil.ParseUUID(w, itemID); !ok {
		return
	}

	var req UpdateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	identity := identityFromContext(r.Context())
	input := service.UpdateItemInput{VariantID: req.VariantID}
	if req.Options != nil {
		input.Options = *req.Options
		if input.Options == nil {
			input.Options = []domain.SelectedOption{}
		}
	}
	if len(req.BookingData) > 0 {
		// booking_data is decoded against the stored item's product type.
		pt, err := h.itemProductType(r, identity, itemID)
		if err != nil {
			httputil.WriteError(w, r, err, h.logger)
			return
		}
		booking, err := domain.ParseBookingData(pt, req.BookingData)
		if err != nil {
			httputil.WriteError(w, r, err, h.logger)
			return
		}
		input.BookingData = &booking
	}

	item, err := h.engine.UpdateItem(r.Context(), identity, itemID, input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: item})
}

// RemoveItem handles DELETE /api/v1/cart/items/{itemId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")
	if _, ok := httputil.ParseUUID(w, itemID); !ok {
		return
	}

	if err := h.engine.RemoveItem(r.Context(), identityFromContext(r.Context()), itemID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Clear(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// Merge handles POST /api/v1/cart/merge. The caller must be authenticated;
// the guest session comes from X-Session-Key or the request body.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if identity.UserID == "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "UNAUTHORIZED", Message: "merge requires an authenticated user"},
		})
		return
	}

	sessionKey := identity.SessionKey
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadBody(w, err)
		return
	}
	if req.SessionKey != "" {
		sessionKey = req.SessionKey
	}

	result, err := h.merger.Merge(r.Context(), sessionKey, identity.UserID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// Checkout handles POST /api/v1/cart/checkout. It hands the cart to the
// order flow by confirming its reservations.
func (h *CartHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	cart, err := h.engine.MarkConverted(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// --- Helpers ---

// resolveCart returns the caller's cart, creating it when missing. When the
// guest's session key collided and the cart was created under a new key, the
// new key is returned in X-Session-Key and used for the rest of the request.
func (h *CartHandler) resolveCart(w http.ResponseWriter, r *http.Request) (domain.Identity, *domain.Cart, bool) {
	identity := identityFromContext(r.Context())
	cart, err := h.engine.GetOrCreateCart(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return identity, nil, false
	}
	if identity.IsGuest() && cart.SessionKey != identity.SessionKey {
		w.Header().Set(HeaderSessionKey, cart.SessionKey)
		identity.SessionKey = cart.SessionKey
	}
	return identity, cart, true
}

func (h *CartHandler) itemProductType(r *http.Request, identity domain.Identity, itemID string) (domain.ProductType, error) {
	cart, err := h.engine.GetOrCreateCart(r.Context(), identity)
	if err != nil {
		return "", err
	}
	idx := cart.FindItem(itemID)
	if idx < 0 {
		return "", apperrors.NotFound("cart item", itemID)
	}
	return cart.Items[idx].ProductType, nil
}

func writeBadBody(w http.ResponseWriter, err error) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
		Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
	})
}
