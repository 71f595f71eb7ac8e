package messages

import "fmt"

// Причины алертов, по которым оператора дергают письмом.
const (
	AlertReasonValidation      = "validation_failed"
	AlertReasonCreateExhausted = "create_retries_exhausted"
	AlertReasonCarrierRejected = "carrier_rejected"
	AlertReasonLabelStuck      = "label_stuck"
)

// AlertRequested — запрос на уведомление оператора. Само письмо шлёт
// внешний потребитель топика; здесь только контракт и редакция PII.
type AlertRequested struct {
	ShopID     uint64   `json:"shop_id"`
	ShipmentID uint64   `json:"shipment_id"`
	OrderName  string   `json:"order_name"`
	Reason     string   `json:"reason"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

// String — редактированная форма для логов: без адресатов (там email'ы)
// и без свободного текста, куда могли попасть телефон/адрес покупателя.
func (a AlertRequested) String() string {
	return fmt.Sprintf("alert{shop=%d shipment=%d reason=%s recipients=%d}",
		a.ShopID, a.ShipmentID, a.Reason, len(a.Recipients))
}
