package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/shipments"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

// Shipments — кусок операторского сервиса, нужный вебхукам.
type Shipments interface {
	CreateFromOrder(ctx context.Context, sp *models.Shop, ord *shopfront.Order, requestID string) (*models.Shipment, error)
}

type Repository interface {
	GetShopByDomain(ctx context.Context, domain string) (*models.Shop, error)
	GetShipmentByOrder(ctx context.Context, shopID, orderID uint64) (*models.Shipment, error)
	MarkError(ctx context.Context, id uint64, msg string) error
	ApplyTrackingUpdate(ctx context.Context, upd pgshipping.TrackingUpdate) error
}

// Handler принимает вебхуки Shopfront. Подпись проверяется по СЫРОМУ телу
// до какого-либо парсинга; дедупликация и статусные guard'ы делают
// повторные доставки безопасными.
type Handler struct {
	secret string
	svc    Shipments
	repo   Repository

	allowedCountries []string
}

func New(secret string, svc Shipments, repo Repository, allowedCountries []string) *Handler {
	return &Handler{secret: secret, svc: svc, repo: repo, allowedCountries: allowedCountries}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/orders-paid", h.wrap(h.ordersPaid))
	r.Post("/orders-updated", h.wrap(h.ordersUpdated))
	r.Post("/fulfillments", h.wrap(h.fulfillments))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// wrap: читает сырое тело, проверяет подпись и резолвит магазин —
// до этого ни один байт payload'а не интерпретируется.
func (h *Handler) wrap(next func(ctx context.Context, sp *models.Shop, body []byte) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
			return
		}

		if !VerifySignature(h.secret, body, r.Header.Get(HeaderSignature)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		domain := r.Header.Get(HeaderShopDomain)
		if domain == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "shop domain header is required"})
			return
		}
		sp, err := h.repo.GetShopByDomain(r.Context(), domain)
		if errors.Is(err, pgshipping.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown shop"})
			return
		}
		if err != nil {
			slog.Error("lookup shop", "domain", domain, "error", err.Error())
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			return
		}

		code, resp := next(r.Context(), sp, body)
		writeJSON(w, code, resp)
	}
}

func (h *Handler) ordersPaid(ctx context.Context, sp *models.Shop, body []byte) (int, any) {
	var ord shopfront.Order
	if err := json.Unmarshal(body, &ord); err != nil || ord.ID == 0 {
		return http.StatusBadRequest, map[string]string{"error": "malformed order payload"}
	}

	sh, err := h.svc.CreateFromOrder(ctx, sp, &ord, uuid.NewString())
	switch {
	case errors.Is(err, shipments.ErrAlreadyExists):
		// повторная доставка вебхука — отвечаем успехом, строки не плодим
		return http.StatusOK, map[string]any{"status": "already_exists", "shipmentId": sh.ID}
	case err == nil:
		return http.StatusAccepted, map[string]any{"status": "accepted", "shipmentId": sh.ID}
	}

	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		// заказ не годен к доставке: строку не заводим
		return http.StatusUnprocessableEntity, map[string]string{"error": vErr.Error()}
	}

	slog.Error("orders-paid webhook", "shop_id", sp.ID, "order_id", ord.ID, "error", err.Error())
	return http.StatusInternalServerError, map[string]string{"error": "internal"}
}

// ordersUpdated ловит правки заказа до отгрузки: если заказ перестал
// проходить валидацию, ещё не созданное отправление уводится в error.
func (h *Handler) ordersUpdated(ctx context.Context, sp *models.Shop, body []byte) (int, any) {
	var ord shopfront.Order
	if err := json.Unmarshal(body, &ord); err != nil || ord.ID == 0 {
		return http.StatusBadRequest, map[string]string{"error": "malformed order payload"}
	}

	sh, err := h.repo.GetShipmentByOrder(ctx, sp.ID, ord.ID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		return http.StatusOK, map[string]string{"status": "ignored"}
	}
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": "internal"}
	}
	if sh.Status != models.StatusPending {
		// conveyor уже работает с заказом, правки догонит трекинг
		return http.StatusOK, map[string]string{"status": "ignored"}
	}

	if vErr := ord.ValidateForShipping(h.allowedCountries); vErr != nil {
		if err := h.repo.MarkError(ctx, sh.ID, vErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return http.StatusInternalServerError, map[string]string{"error": "internal"}
		}
		return http.StatusOK, map[string]any{"status": "invalidated", "shipmentId": sh.ID}
	}
	return http.StatusOK, map[string]string{"status": "ignored"}
}

// fulfillmentEvent — push-коррекция статуса с платформы.
type fulfillmentEvent struct {
	OrderID    uint64     `json:"order_id"`
	Status     string     `json:"status"`
	HappenedAt *time.Time `json:"happened_at,omitempty"`
}

func (h *Handler) fulfillments(ctx context.Context, sp *models.Shop, body []byte) (int, any) {
	var ev fulfillmentEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.OrderID == 0 || ev.Status == "" {
		return http.StatusBadRequest, map[string]string{"error": "malformed fulfillment payload"}
	}

	sh, err := h.repo.GetShipmentByOrder(ctx, sp.ID, ev.OrderID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		return http.StatusOK, map[string]string{"status": "ignored"}
	}
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": "internal"}
	}

	target, known := models.MapFulfillmentStatus(ev.Status)
	if !known || target == sh.Status || !models.CanTransition(sh.Status, target) {
		return http.StatusOK, map[string]string{"status": "ignored"}
	}

	now := time.Now().UTC()
	when := now
	if ev.HappenedAt != nil {
		when = ev.HappenedAt.UTC()
	}

	upd := pgshipping.TrackingUpdate{
		ShipmentID: sh.ID,
		FromStatus: sh.Status,
		NewStatus:  target,
		LastStatus: ev.Status,
		CheckedAt:  now,
	}
	if target == models.StatusShipped && sh.FirstScanAt == nil {
		upd.FirstScanAt = &when
	}
	if target == models.StatusDelivered {
		upd.DeliveredAt = &when
	}

	if err := h.repo.ApplyTrackingUpdate(ctx, upd); err != nil {
		if errors.Is(err, pgshipping.ErrStatusConflict) {
			// воркер успел раньше; повторная доставка не должна ретраиться
			return http.StatusOK, map[string]string{"status": "conflict"}
		}
		return http.StatusInternalServerError, map[string]string{"error": "internal"}
	}

	slog.Info("fulfillment webhook applied",
		"shipment_id", sh.ID, "from", sh.Status, "to", target, "raw", ev.Status)
	return http.StatusOK, map[string]any{"status": "applied", "shipmentId": sh.ID}
}
