package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

// trackable — статусы, в которых есть смысл опрашивать перевозчика.
func trackable(s models.ShipmentStatus) bool {
	switch s {
	case models.StatusCreated, models.StatusLabelPending, models.StatusLabelGenerated, models.StatusShipped:
		return true
	}
	return false
}

func (r *Runner) handleTrackSync(ctx context.Context, j *queue.Job) error {
	sh, err := r.repo.GetShipmentByID(ctx, j.ShipmentID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		return r.repo.CompleteJob(ctx, j.ID)
	}
	if err != nil {
		return err
	}
	if !trackable(sh.Status) || sh.EcoFreightAWB == nil {
		return r.repo.CompleteJob(ctx, j.ID)
	}

	sp, err := r.repo.GetShopByID(ctx, sh.ShopID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	// Потолок возраста: старые недоставленные треки перестаём опрашивать
	// вовсе, только помечаем. Ручной sync (force) этот стоп обходит.
	if !models.ShouldContinueTracking(sh, sp.StopAfterDays, now, j.ForceSync) {
		if !sh.StaleFlag {
			if err := r.repo.MarkStale(ctx, sh.ID); err != nil {
				return err
			}
			slog.Info("shipment went stale", "shipment_id", sh.ID, "order", sh.OrderName)
		}
		return r.repo.CompleteJob(ctx, j.ID)
	}

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:ecofreight:shop:%d:%s", sp.ID, now.Format("200601021504"))
		allowed, n, rlErr := r.rl.Allow(ctx, minuteKey, r.rateLimitPerMinute, 70*time.Second)
		if rlErr == nil && !allowed {
			// Упёрлись в минутный лимит перевозчика: притормаживаем.
			slog.Warn("rate limit exceeded", "shop_id", sp.ID, "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	acct := ecoAccount(sp)
	var res ecofreight.TrackResult
	callErr := r.withToken(ctx, sp.ID, acct, func(token string) error {
		var terr error
		res, terr = r.eco.Track(ctx, acct, token, *sh.EcoFreightAWB)
		return terr
	})
	if callErr != nil {
		return r.failTrack(ctx, j, sh, sp, callErr, now)
	}

	// Неизвестный код перевозчика мапится в pending и никуда не двигает
	// отправление; двигаемся только по легальным переходам.
	mapped := models.MapCarrierStatus(res.Status)
	target := sh.Status
	if mapped != sh.Status && models.CanTransition(sh.Status, mapped) {
		target = mapped
	}

	upd := pgshipping.TrackingUpdate{
		ShipmentID: sh.ID,
		FromStatus: sh.Status,
		NewStatus:  target,
		LastStatus: res.Status,
		CheckedAt:  now,
	}

	for _, cp := range res.Checkpoints {
		var payload *string
		if len(cp.Payload) > 0 {
			s := string(cp.Payload)
			payload = &s
		}
		upd.Logs = append(upd.Logs, &models.TrackingLog{
			Status:      cp.Status,
			Description: cp.Description,
			Location:    cp.Location,
			EventTime:   cp.EventTime,
			PayloadJSON: payload,
		})
	}

	if sh.FirstScanAt == nil && target == models.StatusShipped {
		first := now
		for _, cp := range res.Checkpoints {
			if cp.EventTime.Before(first) {
				first = cp.EventTime
			}
		}
		upd.FirstScanAt = &first
	}
	if target == models.StatusDelivered {
		deliveredAt := now
		for _, cp := range res.Checkpoints {
			if models.MapCarrierStatus(cp.Status) == models.StatusDelivered {
				deliveredAt = cp.EventTime
			}
		}
		upd.DeliveredAt = &deliveredAt
	}

	if err := r.repo.ApplyTrackingUpdate(ctx, upd); err != nil {
		if errors.Is(err, pgshipping.ErrStatusConflict) {
			// Вебхук или оператор успели раньше; их результат главнее.
			return r.repo.CompleteJob(ctx, j.ID)
		}
		return err
	}

	statusChanged := target != sh.Status
	sh.LastStatus = res.Status
	sh.Status = target

	if statusChanged {
		r.publishUpdated(ctx, sh, j.RequestID)
		r.notifyStorefront(ctx, sp, sh, res.Status)
	}

	if sh.Status.IsTerminal() {
		if sh.Status == models.StatusDelivered {
			slog.Info("shipment delivered", "shipment_id", sh.ID, "order", sh.OrderName)
		}
		return r.repo.CompleteJob(ctx, j.ID)
	}

	// Ручной sync — разовый прогон: регулярная цепочка опроса уже живёт
	// своими задачами, вторую заводить нельзя.
	if j.ForceSync {
		return r.repo.CompleteJob(ctx, j.ID)
	}

	// Следующий цикл — свежая задача со своим бюджетом ретраев.
	interval := time.Duration(sp.PollIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := r.repo.EnqueueJob(ctx, queue.KindTrackSync, sp.ID, sh.ID, interval, false, j.RequestID); err != nil {
		return err
	}
	return r.repo.CompleteJob(ctx, j.ID)
}

// notifyStorefront двигает fulfillment на платформе вслед за статусом
// доставки. Сбой здесь не роняет задачу: БД уже обновлена, платформа
// догонится на следующем переходе.
func (r *Runner) notifyStorefront(ctx context.Context, sp *models.Shop, sh *models.Shipment, rawStatus string) {
	if sh.FulfillmentID == nil {
		return
	}
	acct := storeAccount(sp)

	var event string
	switch sh.Status {
	case models.StatusShipped:
		event = "in_transit"
		if rawStatus == "out_for_delivery" {
			event = "out_for_delivery"
		}
	case models.StatusDelivered:
		event = "delivered"
	default:
		return
	}

	if err := r.store.UpdateFulfillmentStatus(ctx, acct, sh.OrderID, *sh.FulfillmentID, event); err != nil {
		slog.Warn("update fulfillment status", "shipment_id", sh.ID, "event", event, "error", err.Error())
	}

	fe := shopfront.FulfillmentEvent{Status: event, Message: "EcoFreight: " + rawStatus}
	if err := r.store.PostFulfillmentEvent(ctx, acct, sh.OrderID, *sh.FulfillmentID, fe); err != nil {
		slog.Warn("post fulfillment event", "shipment_id", sh.ID, "event", event, "error", err.Error())
	}
}

func (r *Runner) failTrack(ctx context.Context, j *queue.Job, sh *models.Shipment, sp *models.Shop, callErr error, now time.Time) error {
	if err := r.repo.RecordSyncFailure(ctx, sh.ID, callErr.Error(), now); err != nil {
		return err
	}

	if !r.backoff.Exhausted(j.Attempts) {
		delay := r.backoff.Delay(j.Attempts)
		slog.Warn("track sync failed, retrying",
			"shipment_id", sh.ID, "attempt", j.Attempts+1, "delay", delay.String(), "error", callErr.Error())
		return r.repo.RescheduleJob(ctx, j.ID, delay)
	}

	// Бюджет цикла исчерпан: статус не трогаем, помечаем трек как
	// требующий внимания и возвращаемся к обычному интервалу опроса.
	if !sh.StaleFlag {
		if err := r.repo.MarkStale(ctx, sh.ID); err != nil {
			return err
		}
	}
	slog.Warn("track sync retries exhausted", "shipment_id", sh.ID, "error", callErr.Error())

	// Провал ручного прогона тоже не продолжает опрос.
	if !j.ForceSync {
		interval := time.Duration(sp.PollIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Hour
		}
		if _, err := r.repo.EnqueueJob(ctx, queue.KindTrackSync, sp.ID, sh.ID, interval, false, j.RequestID); err != nil {
			return err
		}
	}
	return r.repo.CompleteJob(ctx, j.ID)
}
