package pgshipping

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// TrackingUpdate — результат одного успешного poll'а трекинга.
// FromStatus — статус, из которого мы решали переход; если за время
// запроса к перевозчику строка ушла из него, апдейт не применяется.
type TrackingUpdate struct {
	ShipmentID uint64

	FromStatus models.ShipmentStatus
	NewStatus  models.ShipmentStatus
	LastStatus string // сырой статус перевозчика

	CheckedAt   time.Time
	FirstScanAt *time.Time
	DeliveredAt *time.Time

	Logs []*models.TrackingLog
}

func (s *Storage) ListTrackingLogs(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, status, description, location, event_time, payload, created_at
FROM tracking_logs
WHERE shipment_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking logs")
	}
	defer rows.Close()

	var out []*models.TrackingLog
	for rows.Next() {
		var l models.TrackingLog
		var payload any
		if err := rows.Scan(
			&l.ID, &l.ShipmentID, &l.Status, &l.Description,
			&l.Location, &l.EventTime, &payload, &l.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracking log")
		}
		if payload != nil {
			b, _ := json.Marshal(payload)
			s := string(b)
			l.PayloadJSON = &s
		}
		out = append(out, &l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ApplyTrackingUpdate(ctx context.Context, upd TrackingUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Статусный апдейт защищён ожидаемым текущим статусом: вебхук мог
	// обогнать воркер, и тогда его результат главнее.
	tag, err := tx.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  last_status = $3,
  last_checked_at = $4,
  last_tracking_sync = $4,
  first_scan_at = COALESCE(first_scan_at, $5),
  delivered_at = COALESCE(delivered_at, $6),
  sync_attempts = 0,
  stale_flag = FALSE,
  error_message = NULL,
  updated_at = now()
WHERE id = $1 AND status = $7
`, upd.ShipmentID, upd.NewStatus, upd.LastStatus, upd.CheckedAt.UTC(),
		upd.FirstScanAt, upd.DeliveredAt, upd.FromStatus)
	if err != nil {
		return errors.Wrap(err, "update shipment status")
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	for _, l := range upd.Logs {
		var payload any
		if l.PayloadJSON != nil && *l.PayloadJSON != "" {
			var m any
			if json.Unmarshal([]byte(*l.PayloadJSON), &m) == nil {
				payload = m
			}
		}

		_, err := tx.Exec(ctx, `
INSERT INTO tracking_logs (
  shipment_id, status, description, location, event_time, payload, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (shipment_id, status, event_time) DO NOTHING
`, upd.ShipmentID, l.Status, l.Description, l.Location, l.EventTime.UTC(), payload)
		if err != nil {
			return errors.Wrap(err, "insert tracking log")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
