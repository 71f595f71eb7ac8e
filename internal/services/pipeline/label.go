package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

// handleGenerateLabel получает ярлык у перевозчика и заводит fulfillment
// на платформе. Шаги идемпотентны: при повторе задачи уже сделанное
// (ярлык есть, fulfillment есть) пропускается.
func (r *Runner) handleGenerateLabel(ctx context.Context, j *queue.Job) error {
	sh, err := r.repo.GetShipmentByID(ctx, j.ShipmentID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		return r.repo.CompleteJob(ctx, j.ID)
	}
	if err != nil {
		return err
	}

	switch sh.Status {
	case models.StatusCreated, models.StatusLabelPending:
		// нужно сходить за ярлыком
	case models.StatusLabelGenerated:
		if sh.FulfillmentID != nil {
			return r.repo.CompleteJob(ctx, j.ID)
		}
		// ярлык уже есть, догоняем fulfillment
	default:
		return r.repo.CompleteJob(ctx, j.ID)
	}

	if sh.EcoFreightAWB == nil {
		slog.Warn("generate label without awb, dropping", "shipment_id", sh.ID)
		return r.repo.CompleteJob(ctx, j.ID)
	}

	sp, err := r.repo.GetShopByID(ctx, sh.ShopID)
	if err != nil {
		return err
	}
	acct := ecoAccount(sp)

	if sh.Status != models.StatusLabelGenerated {
		var res ecofreight.LabelResult
		callErr := r.withToken(ctx, sp.ID, acct, func(token string) error {
			var lerr error
			res, lerr = r.eco.GetLabel(ctx, acct, token, *sh.EcoFreightAWB)
			return lerr
		})
		if callErr != nil {
			return r.failLabel(ctx, j, sh, sp, callErr)
		}

		labelURL := res.URL
		if labelURL == "" && len(res.Data) > 0 {
			// Перевозчик отдал PDF телом: прикладываем файл к заказу,
			// чтобы у оператора была постоянная ссылка.
			name := fmt.Sprintf("label-%s.pdf", *sh.EcoFreightAWB)
			fres, aerr := r.store.AttachFile(ctx, storeAccount(sp), sh.OrderID, name, res.Data)
			if aerr != nil {
				return r.failLabel(ctx, j, sh, sp, aerr)
			}
			labelURL = fres.URL
		}

		if err := r.repo.MarkLabelGenerated(ctx, sh.ID, labelURL); err != nil {
			if errors.Is(err, pgshipping.ErrStatusConflict) {
				return r.repo.CompleteJob(ctx, j.ID)
			}
			return err
		}
		sh.Status = models.StatusLabelGenerated
		sh.LabelURL = &labelURL
	}

	if sh.FulfillmentID == nil {
		in := shopfront.FulfillmentInput{
			TrackingNumber:  *sh.EcoFreightAWB,
			TrackingCompany: "EcoFreight",
			NotifyCustomer:  true,
		}
		if sh.TrackingURL != nil {
			in.TrackingURL = *sh.TrackingURL
		}
		fres, ferr := r.store.CreateFulfillment(ctx, storeAccount(sp), sh.OrderID, in)
		if ferr != nil {
			return r.failLabel(ctx, j, sh, sp, ferr)
		}
		if err := r.repo.SetFulfillment(ctx, sh.ID, fres.ID); err != nil {
			return err
		}

		if nerr := r.store.UpdateOrderNote(ctx, storeAccount(sp), sh.OrderID, orderNote(sh)); nerr != nil {
			slog.Warn("update order note failed", "shipment_id", sh.ID, "error", nerr.Error())
		}
	}

	r.publishUpdated(ctx, sh, j.RequestID)

	if _, err := r.repo.EnqueueJob(ctx, queue.KindTrackSync, sp.ID, sh.ID, queue.FirstTrackDelay, false, j.RequestID); err != nil {
		return err
	}
	return r.repo.CompleteJob(ctx, j.ID)
}

// orderNote — справка по отгрузке в заметке заказа на платформе.
func orderNote(sh *models.Shipment) string {
	note := fmt.Sprintf("EcoFreight AWB %s, service %s", *sh.EcoFreightAWB, sh.ServiceClass)
	if sh.COD {
		note += fmt.Sprintf(", COD %.2f", sh.CODAmount)
	}
	if sh.TrackingURL != nil {
		note += ", track: " + *sh.TrackingURL
	}
	return note
}

func (r *Runner) failLabel(ctx context.Context, j *queue.Job, sh *models.Shipment, sp *models.Shop, callErr error) error {
	if !r.backoff.Exhausted(j.Attempts) {
		delay := r.backoff.Delay(j.Attempts)
		slog.Warn("generate label failed, retrying",
			"shipment_id", sh.ID, "attempt", j.Attempts+1, "delay", delay.String(), "error", callErr.Error())
		return r.repo.RescheduleJob(ctx, j.ID, delay)
	}

	switch sh.Status {
	case models.StatusCreated:
		// Бюджет исчерпан, но AWB живой: паркуем в label_pending и даём
		// одну отложенную вторую попытку.
		if err := r.repo.MarkLabelPending(ctx, sh.ID, callErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return err
		}
		sh.Status = models.StatusLabelPending
		r.publishUpdated(ctx, sh, j.RequestID)
		r.publishAlert(ctx, sp, sh, messages.AlertReasonLabelStuck, callErr.Error(), j.RequestID)
		return r.repo.RescheduleJob(ctx, j.ID, queue.LabelSecondChanceDelay)
	default:
		// Вторая попытка тоже не удалась (или не удался fulfillment).
		if err := r.repo.MarkError(ctx, sh.ID, "label generation failed: "+callErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return err
		}
		sh.Status = models.StatusError
		r.publishUpdated(ctx, sh, j.RequestID)
		r.publishAlert(ctx, sp, sh, messages.AlertReasonLabelStuck, callErr.Error(), j.RequestID)
		return r.repo.CompleteJob(ctx, j.ID)
	}
}
