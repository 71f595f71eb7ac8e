package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

func orderFromPayload(sh *models.Shipment) (*shopfront.Order, error) {
	if sh.OrderPayload == nil || *sh.OrderPayload == "" {
		return nil, models.Invalid("order_payload", "is missing")
	}
	var ord shopfront.Order
	if err := json.Unmarshal([]byte(*sh.OrderPayload), &ord); err != nil {
		return nil, models.Invalid("order_payload", "is not valid json")
	}
	return &ord, nil
}

func buildCreateRequest(ord *shopfront.Order, sp *models.Shop, sh *models.Shipment) ecofreight.CreateRequest {
	addr := ord.ShippingAddress

	// Вес — из позиций заказа; если платформа его не знает, берём дефолт магазина.
	weight := 0.0
	items := make([]ecofreight.Item, 0, len(ord.LineItems))
	for _, li := range ord.LineItems {
		weight += float64(li.Grams*li.Quantity) / 1000.0
		it := ecofreight.Item{Description: li.Title, Quantity: li.Quantity}
		if v, err := strconv.ParseFloat(li.Price, 64); err == nil {
			it.Price = v
		}
		items = append(items, it)
	}
	if weight <= 0 {
		weight = sp.DefaultWeightKg
	}

	codAmount := 0.0
	if sh.COD {
		codAmount = sh.CODAmount + sp.CODFee
	}

	return ecofreight.CreateRequest{
		Reference: sh.OrderName,
		Service:   sh.ServiceClass,
		COD:       sh.COD,
		CODAmount: codAmount,
		Pickup: ecofreight.Address{
			Name:       sp.ShipFromName,
			Phone:      sp.ShipFromPhone,
			Address1:   sp.ShipFromAddress1,
			Address2:   sp.ShipFromAddress2,
			City:       sp.ShipFromCity,
			Country:    sp.ShipFromCountry,
			PostalCode: sp.ShipFromPostal,
		},
		Delivery: ecofreight.Address{
			Name:       addr.Name,
			Phone:      addr.Phone,
			Address1:   addr.Address1,
			Address2:   addr.Address2,
			City:       addr.City,
			Country:    addr.CountryCode,
			PostalCode: addr.Zip,
		},
		Parcel: ecofreight.Parcel{
			WeightKg: weight,
			LengthCm: sp.DefaultLengthCm,
			WidthCm:  sp.DefaultWidthCm,
			HeightCm: sp.DefaultHeightCm,
		},
		Items: items,
	}
}

func (r *Runner) handleCreateShipment(ctx context.Context, j *queue.Job) error {
	sh, err := r.repo.GetShipmentByID(ctx, j.ShipmentID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		return r.repo.CompleteJob(ctx, j.ID)
	}
	if err != nil {
		return err
	}
	// Отправление увели из pending (void оператором, второй воркер) —
	// задача устарела.
	if sh.Status != models.StatusPending {
		return r.repo.CompleteJob(ctx, j.ID)
	}

	sp, err := r.repo.GetShopByID(ctx, sh.ShopID)
	if err != nil {
		return err
	}

	// Операторский retry после ошибки на этапе ярлыка/трекинга: AWB уже
	// есть, второй create у перевозчика дал бы дубль накладной.
	if sh.EcoFreightAWB != nil {
		ref := ""
		if sh.EcoFreightRef != nil {
			ref = *sh.EcoFreightRef
		}
		if err := r.repo.MarkCreated(ctx, sh.ID, *sh.EcoFreightAWB, ref, sh.TrackingURL); err != nil {
			if errors.Is(err, pgshipping.ErrStatusConflict) {
				return r.repo.CompleteJob(ctx, j.ID)
			}
			return err
		}
		sh.Status = models.StatusCreated
		r.publishUpdated(ctx, sh, j.RequestID)
		if _, err := r.repo.EnqueueJob(ctx, queue.KindGenerateLabel, sp.ID, sh.ID, 0, false, j.RequestID); err != nil {
			return err
		}
		return r.repo.CompleteJob(ctx, j.ID)
	}

	// Валидация до единого вызова перевозчика: ошибки данных не ретраятся.
	ord, vErr := orderFromPayload(sh)
	if vErr == nil {
		vErr = ord.ValidateForShipping(r.allowedCountries)
	}
	if vErr == nil {
		vErr = models.ValidateShipFrom(sp)
	}
	if vErr != nil {
		if err := r.repo.MarkError(ctx, sh.ID, vErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return err
		}
		sh.Status = models.StatusError
		r.publishUpdated(ctx, sh, j.RequestID)
		r.publishAlert(ctx, sp, sh, messages.AlertReasonValidation, vErr.Error(), j.RequestID)
		return r.repo.CompleteJob(ctx, j.ID)
	}

	acct := ecoAccount(sp)
	req := buildCreateRequest(ord, sp, sh)

	var res ecofreight.CreateResult
	callErr := r.withToken(ctx, sp.ID, acct, func(token string) error {
		var cerr error
		res, cerr = r.eco.CreateShipment(ctx, acct, token, req)
		return cerr
	})
	if callErr != nil {
		return r.failCreate(ctx, j, sh, sp, callErr)
	}

	var trackingURL *string
	if res.TrackingURL != "" {
		trackingURL = &res.TrackingURL
	}
	if err := r.repo.MarkCreated(ctx, sh.ID, res.AWB, res.Reference, trackingURL); err != nil {
		if errors.Is(err, pgshipping.ErrStatusConflict) {
			// Пока мы ходили к перевозчику, отправление отменили.
			// Накладную, которую только что завели, гасим best-effort.
			_ = r.withToken(ctx, sp.ID, acct, func(token string) error {
				return r.eco.Cancel(ctx, acct, token, res.AWB)
			})
			return r.repo.CompleteJob(ctx, j.ID)
		}
		return err
	}

	sh.Status = models.StatusCreated
	sh.EcoFreightAWB = &res.AWB
	r.publishUpdated(ctx, sh, j.RequestID)

	if _, err := r.repo.EnqueueJob(ctx, queue.KindGenerateLabel, sp.ID, sh.ID, 0, false, j.RequestID); err != nil {
		return err
	}
	return r.repo.CompleteJob(ctx, j.ID)
}

func (r *Runner) failCreate(ctx context.Context, j *queue.Job, sh *models.Shipment, sp *models.Shop, callErr error) error {
	var apiErr *ecofreight.APIError
	if errors.As(callErr, &apiErr) && apiErr.IsBusinessRejection() {
		// Перевозчик отказал по существу: тот же payload не пройдёт и завтра.
		if err := r.repo.MarkError(ctx, sh.ID, callErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return err
		}
		sh.Status = models.StatusError
		r.publishUpdated(ctx, sh, j.RequestID)
		r.publishAlert(ctx, sp, sh, messages.AlertReasonCarrierRejected, callErr.Error(), j.RequestID)
		return r.repo.CompleteJob(ctx, j.ID)
	}

	if r.backoff.Exhausted(j.Attempts) {
		if err := r.repo.MarkError(ctx, sh.ID, "create retries exhausted: "+callErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
			return err
		}
		sh.Status = models.StatusError
		r.publishUpdated(ctx, sh, j.RequestID)
		r.publishAlert(ctx, sp, sh, messages.AlertReasonCreateExhausted, callErr.Error(), j.RequestID)
		return r.repo.CompleteJob(ctx, j.ID)
	}

	delay := r.backoff.Delay(j.Attempts)
	slog.Warn("create shipment failed, retrying",
		"shipment_id", sh.ID, "attempt", j.Attempts+1, "delay", delay.String(), "error", callErr.Error())

	if err := r.repo.ScheduleCreateRetry(ctx, sh.ID, j.Attempts+1, time.Now().UTC().Add(delay), callErr.Error()); err != nil && !errors.Is(err, pgshipping.ErrStatusConflict) {
		return err
	}
	return r.repo.RescheduleJob(ctx, j.ID, delay)
}
