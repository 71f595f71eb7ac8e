package alerts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/pkg/errors"
)

// Notifier разбирает shipment.alerts и пишет операторское уведомление в лог.
// Отправка писем остаётся за внешним потребителем топика; здесь — приём
// контракта и редактированная запись (в лог не попадают email'ы и свободный
// текст сообщения).
type Notifier struct{}

func New() *Notifier {
	return &Notifier{}
}

// Handle — обработчик для kafka.Consumer.Consume.
func (n *Notifier) Handle(ctx context.Context, key, value []byte) error {
	var m messages.AlertRequested
	if err := json.Unmarshal(value, &m); err != nil {
		return errors.Wrap(err, "unmarshal alert")
	}
	if m.ShipmentID == 0 {
		return errors.New("alert without shipment_id")
	}

	slog.Warn("operator alert requested",
		"reason", m.Reason,
		"order", m.OrderName,
		"alert", m.String(),
		"request_id", m.RequestID)
	return nil
}
