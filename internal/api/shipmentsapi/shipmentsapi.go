package shipmentsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/shipments"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ShipmentsAPI — операторский REST поверх shipments.Service.
type ShipmentsAPI struct {
	svc *shipments.Service
}

func New(svc *shipments.Service) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc}
}

func (a *ShipmentsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/shipments", a.list)
	r.Get("/shipments/{id}", a.detail)
	r.Post("/shipments/{id}/retry", a.retry)
	r.Post("/shipments/{id}/void", a.void)
	r.Post("/shipments/{id}/reship", a.reship)
	r.Post("/shipments/{id}/sync", a.syncNow)
	r.Get("/metrics", a.metrics)
	r.Get("/orders/recent", a.recentOrders)
	r.Post("/orders/fetch", a.fetchOrder)
	return r
}

type shipmentJSON struct {
	ID     uint64 `json:"id"`
	ShopID uint64 `json:"shopId"`

	OrderID   uint64 `json:"orderId"`
	OrderName string `json:"orderName"`

	AWB       string `json:"awb,omitempty"`
	Reference string `json:"reference,omitempty"`

	Status     string `json:"status"`
	LastStatus string `json:"lastStatus,omitempty"`

	ServiceClass string  `json:"serviceClass"`
	COD          bool    `json:"cod"`
	CODAmount    float64 `json:"codAmount,omitempty"`

	LabelURL    string `json:"labelUrl,omitempty"`
	TrackingURL string `json:"trackingUrl,omitempty"`

	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	FirstScanAt   *time.Time `json:"firstScanAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`

	Stale        bool       `json:"stale"`
	RetryCount   int32      `json:"retryCount"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type trackingLogJSON struct {
	ID          uint64    `json:"id"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	EventTime   time.Time `json:"eventTime"`
}

func toShipmentJSON(sh *models.Shipment) shipmentJSON {
	return shipmentJSON{
		ID:            sh.ID,
		ShopID:        sh.ShopID,
		OrderID:       sh.OrderID,
		OrderName:     sh.OrderName,
		AWB:           derefString(sh.EcoFreightAWB),
		Reference:     derefString(sh.EcoFreightRef),
		Status:        string(sh.Status),
		LastStatus:    sh.LastStatus,
		ServiceClass:  sh.ServiceClass,
		COD:           sh.COD,
		CODAmount:     sh.CODAmount,
		LabelURL:      derefString(sh.LabelURL),
		TrackingURL:   derefString(sh.TrackingURL),
		LastCheckedAt: sh.LastCheckedAt,
		FirstScanAt:   sh.FirstScanAt,
		DeliveredAt:   sh.DeliveredAt,
		Stale:         sh.StaleFlag,
		RetryCount:    sh.RetryCount,
		NextRetryAt:   sh.NextRetryAt,
		ErrorMessage:  derefString(sh.ErrorMessage),
		CreatedAt:     sh.CreatedAt,
		UpdatedAt:     sh.UpdatedAt,
	}
}

func toShipmentListJSON(shs []*models.Shipment) []shipmentJSON {
	out := make([]shipmentJSON, 0, len(shs))
	for _, sh := range shs {
		out = append(out, toShipmentJSON(sh))
	}
	return out
}

func toLogListJSON(logs []*models.TrackingLog) []trackingLogJSON {
	out := make([]trackingLogJSON, 0, len(logs))
	for _, l := range logs {
		out = append(out, trackingLogJSON{
			ID:          l.ID,
			Status:      l.Status,
			Description: l.Description,
			Location:    derefString(l.Location),
			EventTime:   l.EventTime,
		})
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибки сервиса в коды ответа. Конфликты
// жизненного цикла (retry не из error и т.п.) — это 409, а не 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pgshipping.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, shipments.ErrAlreadyExists),
		errors.Is(err, shipments.ErrRetryNotAllowed),
		errors.Is(err, shipments.ErrVoidNotAllowed),
		errors.Is(err, shipments.ErrReshipNotAllowed),
		errors.Is(err, shipments.ErrNoAWB),
		errors.Is(err, pgshipping.ErrStatusConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": vErr.Error()})
			return
		}
		slog.Error("shipments api", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func queryUint(r *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return v
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func queryTime(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (a *ShipmentsAPI) list(w http.ResponseWriter, r *http.Request) {
	f := models.ShipmentFilter{
		ShopID:    queryUint(r, "shop_id"),
		Status:    models.ShipmentStatus(r.URL.Query().Get("status")),
		StaleOnly: r.URL.Query().Get("stale") == "true",
		Search:    r.URL.Query().Get("q"),
		From:      queryTime(r, "from"),
		To:        queryTime(r, "to"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}

	shs, err := a.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": toShipmentListJSON(shs)})
}

func (a *ShipmentsAPI) detail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shipment id"})
		return
	}

	logLimit := queryInt(r, "log_limit")
	if logLimit <= 0 {
		logLimit = 50
	}
	sh, logs, err := a.svc.Detail(r.Context(), id, logLimit, queryInt(r, "log_offset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shipment": toShipmentJSON(sh),
		"logs":     toLogListJSON(logs),
	})
}

func (a *ShipmentsAPI) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shipment id"})
		return
	}
	sh, err := a.svc.Retry(r.Context(), id, uuid.NewString())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipment": toShipmentJSON(sh)})
}

func (a *ShipmentsAPI) void(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shipment id"})
		return
	}
	sh, err := a.svc.Void(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipment": toShipmentJSON(sh)})
}

func (a *ShipmentsAPI) reship(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shipment id"})
		return
	}
	sh, err := a.svc.Reship(r.Context(), id, uuid.NewString())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shipment": toShipmentJSON(sh)})
}

func (a *ShipmentsAPI) syncNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shipment id"})
		return
	}
	if err := a.svc.SyncNow(r.Context(), id, uuid.NewString()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync_requested"})
}

func (a *ShipmentsAPI) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.Metrics(r.Context(), queryUint(r, "shop_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// recentOrders — кандидаты на ручной импорт из платформы.
func (a *ShipmentsAPI) recentOrders(w http.ResponseWriter, r *http.Request) {
	shopID := queryUint(r, "shop_id")
	if shopID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "shop_id is required"})
		return
	}
	ords, err := a.svc.RecentOrders(r.Context(), shopID, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": ords})
}

type fetchOrderRequest struct {
	ShopID  uint64 `json:"shopId"`
	OrderID uint64 `json:"orderId"`
}

// fetchOrder — ручной импорт заказа, когда вебхук orders/paid потерялся.
func (a *ShipmentsAPI) fetchOrder(w http.ResponseWriter, r *http.Request) {
	var req fetchOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShopID == 0 || req.OrderID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "shopId and orderId are required"})
		return
	}
	sh, err := a.svc.FetchOrder(r.Context(), req.ShopID, req.OrderID, uuid.NewString())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shipment": toShipmentJSON(sh)})
}
