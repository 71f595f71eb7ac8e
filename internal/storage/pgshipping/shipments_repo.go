package pgshipping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrDuplicateOrder: для заказа уже есть неотменённое отправление.
var ErrDuplicateOrder = errors.New("active shipment already exists for order")

const shipmentColumns = `
  id, shop_id, order_id, order_name,
  ecofreight_awb, ecofreight_ref,
  status, last_status, service_class, cod, cod_amount, fulfillment_id,
  order_payload, label_url, tracking_url,
  last_checked_at, last_tracking_sync, first_scan_at, delivered_at,
  stale_flag, sync_attempts, retry_count, next_retry_at, error_message,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var payload any
	if err := row.Scan(
		&sh.ID, &sh.ShopID, &sh.OrderID, &sh.OrderName,
		&sh.EcoFreightAWB, &sh.EcoFreightRef,
		&sh.Status, &sh.LastStatus, &sh.ServiceClass, &sh.COD, &sh.CODAmount, &sh.FulfillmentID,
		&payload, &sh.LabelURL, &sh.TrackingURL,
		&sh.LastCheckedAt, &sh.LastTrackingSync, &sh.FirstScanAt, &sh.DeliveredAt,
		&sh.StaleFlag, &sh.SyncAttempts, &sh.RetryCount, &sh.NextRetryAt, &sh.ErrorMessage,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if payload != nil {
		b, _ := json.Marshal(payload)
		s := string(b)
		sh.OrderPayload = &s
	}
	return &sh, nil
}

func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	var payload any
	if in.OrderPayload != "" {
		var m any
		if json.Unmarshal([]byte(in.OrderPayload), &m) == nil {
			payload = m
		}
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  shop_id, order_id, order_name, status, service_class, cod, cod_amount,
  order_payload, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
RETURNING`+shipmentColumns, in.ShopID, in.OrderID, in.OrderName, models.StatusPending,
		in.ServiceClass, in.COD, in.CODAmount, payload, now)

	sh, err := scanShipment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateOrder
		}
		return nil, errors.Wrap(err, "insert shipment")
	}
	return sh, nil
}

func (s *Storage) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// GetShipmentByOrder возвращает последнее отправление заказа в любом статусе.
// Именно по нему дедуплицируются повторные доставки вебхука orders/paid.
func (s *Storage) GetShipmentByOrder(ctx context.Context, shopID, orderID uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE shop_id = $1 AND order_id = $2
ORDER BY id DESC
LIMIT 1
`, shopID, orderID)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by order")
	}
	return sh, nil
}

func (s *Storage) GetShipmentByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE ecofreight_awb = $1
ORDER BY id DESC
LIMIT 1
`, awb)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by awb")
	}
	return sh, nil
}

func (s *Storage) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ShopID != 0 {
		where = append(where, "shop_id = "+arg(f.ShopID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.StaleOnly {
		where = append(where, "stale_flag = TRUE")
	}
	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		where = append(where, "(order_name ILIKE "+p+" OR ecofreight_awb ILIKE "+p+")")
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "created_at < "+arg(f.To.UTC()))
	}

	q := `SELECT` + shipmentColumns + `
FROM shipments
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY id DESC
LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	out := []*models.Shipment{}
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// guarded выполняет UPDATE с условием на текущий статус и превращает
// «ноль строк» в ErrStatusConflict.
func (s *Storage) guarded(ctx context.Context, q string, args ...any) error {
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkCreated: pending -> created, AWB присвоен.
func (s *Storage) MarkCreated(ctx context.Context, id uint64, awb, ref string, trackingURL *string) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  ecofreight_awb = $3,
  ecofreight_ref = $4,
  tracking_url = $5,
  retry_count = 0,
  next_retry_at = NULL,
  error_message = NULL,
  updated_at = now()
WHERE id = $1 AND status = $6
`, id, models.StatusCreated, awb, ref, trackingURL, models.StatusPending)
}

// ScheduleCreateRetry фиксирует неудачную попытку create, не меняя статус.
func (s *Storage) ScheduleCreateRetry(ctx context.Context, id uint64, retryCount int32, nextRetryAt time.Time, msg string) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  retry_count = $2,
  next_retry_at = $3,
  error_message = $4,
  updated_at = now()
WHERE id = $1 AND status = $5
`, id, retryCount, nextRetryAt.UTC(), msg, models.StatusPending)
}

func (s *Storage) MarkLabelGenerated(ctx context.Context, id uint64, labelURL string) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  label_url = $3,
  error_message = NULL,
  updated_at = now()
WHERE id = $1 AND status IN ($4, $5)
`, id, models.StatusLabelGenerated, labelURL, models.StatusCreated, models.StatusLabelPending)
}

func (s *Storage) MarkLabelPending(ctx context.Context, id uint64, msg string) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  error_message = $3,
  updated_at = now()
WHERE id = $1 AND status = $4
`, id, models.StatusLabelPending, msg, models.StatusCreated)
}

func (s *Storage) SetFulfillment(ctx context.Context, id, fulfillmentID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments SET fulfillment_id = $2, updated_at = now() WHERE id = $1
`, id, fulfillmentID)
	return errors.Wrap(err, "set fulfillment")
}

// MarkError переводит отправление в error из любого нетерминального статуса.
func (s *Storage) MarkError(ctx context.Context, id uint64, msg string) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  error_message = $3,
  next_retry_at = NULL,
  updated_at = now()
WHERE id = $1 AND status NOT IN ($4, $5, $6)
`, id, models.StatusError, msg, models.StatusDelivered, models.StatusCancelled, models.StatusError)
}

// MarkRetryPending: операторский retry, error -> pending со сбросом счётчиков.
func (s *Storage) MarkRetryPending(ctx context.Context, id uint64) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  retry_count = 0,
  sync_attempts = 0,
  next_retry_at = NULL,
  error_message = NULL,
  stale_flag = FALSE,
  updated_at = now()
WHERE id = $1 AND status = $3
`, id, models.StatusPending, models.StatusError)
}

func (s *Storage) MarkCancelled(ctx context.Context, id uint64) error {
	return s.guarded(ctx, `
UPDATE shipments
SET
  status = $2,
  updated_at = now()
WHERE id = $1 AND status NOT IN ($3, $4)
`, id, models.StatusCancelled, models.StatusDelivered, models.StatusCancelled)
}

// RecordSyncFailure: неудачный poll трекинга. Статус не меняется,
// решение об уходе в error/stale принимает пайплайн по счётчику.
func (s *Storage) RecordSyncFailure(ctx context.Context, id uint64, msg string, checkedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  sync_attempts = sync_attempts + 1,
  last_checked_at = $2,
  error_message = $3,
  updated_at = now()
WHERE id = $1
`, id, checkedAt.UTC(), msg)
	return errors.Wrap(err, "record sync failure")
}

func (s *Storage) MarkStale(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments SET stale_flag = TRUE, updated_at = now() WHERE id = $1
`, id)
	return errors.Wrap(err, "mark stale")
}
