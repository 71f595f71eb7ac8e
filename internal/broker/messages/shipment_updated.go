package messages

import "time"

// ShipmentUpdated публикуется воркером при каждой смене статуса отправления.
// ship-api слушает топик и обновляет redis-кэш текущего состояния.
type ShipmentUpdated struct {
	ShipmentID uint64 `json:"shipment_id"`
	ShopID     uint64 `json:"shop_id"`
	OrderID    uint64 `json:"order_id"`

	Status     string `json:"status"`
	LastStatus string `json:"last_status,omitempty"`
	AWB        string `json:"awb,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
	RequestID string    `json:"request_id,omitempty"`
}
