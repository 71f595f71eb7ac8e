package models

import (
	"time"

	"github.com/pkg/errors"
)

// Канонические статусы отправления. Статус меняется только через CheckTransition.
type ShipmentStatus string

const (
	StatusPending        ShipmentStatus = "pending"
	StatusCreated        ShipmentStatus = "created"
	StatusLabelGenerated ShipmentStatus = "label_generated"
	StatusLabelPending   ShipmentStatus = "label_pending"
	StatusShipped        ShipmentStatus = "shipped"
	StatusDelivered      ShipmentStatus = "delivered"
	StatusError          ShipmentStatus = "error"
	StatusCancelled      ShipmentStatus = "cancelled"
)

// ErrIllegalTransition возвращается при попытке недопустимого перехода статуса.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions — единственное место, где описан граф переходов.
var transitions = map[ShipmentStatus][]ShipmentStatus{
	StatusPending:        {StatusCreated, StatusError, StatusCancelled},
	StatusCreated:        {StatusLabelGenerated, StatusLabelPending, StatusShipped, StatusDelivered, StatusError, StatusCancelled},
	StatusLabelPending:   {StatusLabelGenerated, StatusShipped, StatusDelivered, StatusError, StatusCancelled},
	StatusLabelGenerated: {StatusShipped, StatusDelivered, StatusError, StatusCancelled},
	StatusShipped:        {StatusDelivered, StatusError, StatusCancelled},
	StatusError:          {StatusPending, StatusCancelled},
	StatusDelivered:      {},
	StatusCancelled:      {},
}

func (s ShipmentStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s ShipmentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func CanTransition(from, to ShipmentStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a status change against the transition table.
func CheckTransition(from, to ShipmentStatus) error {
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	return nil
}

// CanVoid: отменять можно всё, что ещё не в терминальном статусе.
func CanVoid(s ShipmentStatus) bool {
	return !s.IsTerminal()
}

// CanReship: повторная отправка разрешена из error/cancelled либо для "зависшего" трека.
func CanReship(s ShipmentStatus, stale bool) bool {
	return s == StatusError || s == StatusCancelled || stale
}

// carrierStatusMap переводит сырой статус EcoFreight в канонический.
// Неизвестный код НИКОГДА не двигает отправление вперёд: fallback — pending.
var carrierStatusMap = map[string]ShipmentStatus{
	"pending":          StatusPending,
	"created":          StatusCreated,
	"picked_up":        StatusShipped,
	"in_transit":       StatusShipped,
	"out_for_delivery": StatusShipped,
	"delivered":        StatusDelivered,
	"cancelled":        StatusCancelled,
	"returned":         StatusCancelled,
	"exception":        StatusError,
	"failed":           StatusError,
}

func MapCarrierStatus(raw string) ShipmentStatus {
	if s, ok := carrierStatusMap[raw]; ok {
		return s
	}
	return StatusPending
}

// fulfillmentStatusMap — статусы fulfillment-вебхуков Shopfront (push-коррекции).
var fulfillmentStatusMap = map[string]ShipmentStatus{
	"in_transit":       StatusShipped,
	"out_for_delivery": StatusShipped,
	"delivered":        StatusDelivered,
	"failure":          StatusError,
	"cancelled":        StatusCancelled,
}

func MapFulfillmentStatus(raw string) (ShipmentStatus, bool) {
	s, ok := fulfillmentStatusMap[raw]
	return s, ok
}

// DefaultStopAfterDays is the tracking ceiling applied when a shop has no
// stop_after_days configured.
const DefaultStopAfterDays = 10

// ShouldContinueTracking решает, продолжать ли опрос перевозчика.
// force (ручной sync) обходит все стоп-условия.
func ShouldContinueTracking(sh *Shipment, stopAfterDays int, now time.Time, force bool) bool {
	if force {
		return true
	}
	if sh.Status.IsTerminal() {
		return false
	}
	if stopAfterDays <= 0 {
		stopAfterDays = DefaultStopAfterDays
	}
	return now.Sub(sh.CreatedAt) <= time.Duration(stopAfterDays)*24*time.Hour
}
