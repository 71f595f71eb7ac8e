package pgshipping

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shops (
  id BIGSERIAL PRIMARY KEY,
  domain TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  shopfront_token TEXT NOT NULL DEFAULT '',
  eco_base_url TEXT NOT NULL DEFAULT '',
  eco_username TEXT NOT NULL DEFAULT '',
  eco_password TEXT NOT NULL DEFAULT '',
  default_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
  default_length_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  default_width_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  default_height_cm DOUBLE PRECISION NOT NULL DEFAULT 0,
  poll_interval_minutes INT NOT NULL DEFAULT 60,
  stop_after_days INT NOT NULL DEFAULT 0,
  cod_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
  alert_emails TEXT[] NOT NULL DEFAULT '{}',
  ship_from_name TEXT NOT NULL DEFAULT '',
  ship_from_phone TEXT NOT NULL DEFAULT '',
  ship_from_address1 TEXT NOT NULL DEFAULT '',
  ship_from_address2 TEXT NOT NULL DEFAULT '',
  ship_from_city TEXT NOT NULL DEFAULT '',
  ship_from_country TEXT NOT NULL DEFAULT '',
  ship_from_postal TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  shop_id BIGINT NOT NULL REFERENCES shops(id),
  order_id BIGINT NOT NULL,
  order_name TEXT NOT NULL,
  ecofreight_awb TEXT NULL,
  ecofreight_ref TEXT NULL,
  status TEXT NOT NULL,
  last_status TEXT NOT NULL DEFAULT '',
  service_class TEXT NOT NULL DEFAULT 'standard',
  cod BOOLEAN NOT NULL DEFAULT FALSE,
  cod_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
  fulfillment_id BIGINT NULL,
  order_payload JSONB NULL,
  label_url TEXT NULL,
  tracking_url TEXT NULL,
  last_checked_at TIMESTAMPTZ NULL,
  last_tracking_sync TIMESTAMPTZ NULL,
  first_scan_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  stale_flag BOOLEAN NOT NULL DEFAULT FALSE,
  sync_attempts INT NOT NULL DEFAULT 0,
  retry_count INT NOT NULL DEFAULT 0,
  next_retry_at TIMESTAMPTZ NULL,
  error_message TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Один живой (неотменённый) shipment на заказ. Reship сначала
		// отменяет старую строку, поэтому индекс частичный.
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_shipments_active_order
ON shipments(shop_id, order_id) WHERE status <> 'cancelled'`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_awb ON shipments(ecofreight_awb)`,
		`
CREATE TABLE IF NOT EXISTS tracking_logs (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  location TEXT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		// Дедупликация чекпоинтов: перевозчик присылает полную историю
		// на каждый poll, повторные строки просто не вставляются.
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_logs_dedup
ON tracking_logs(shipment_id, status, event_time)`,
		`
CREATE INDEX IF NOT EXISTS idx_tracking_logs_shipment_event
ON tracking_logs(shipment_id, event_time DESC)`,
		`
CREATE TABLE IF NOT EXISTS jobs (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  shop_id BIGINT NOT NULL,
  shipment_id BIGINT NOT NULL,
  run_at TIMESTAMPTZ NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  force_sync BOOLEAN NOT NULL DEFAULT FALSE,
  request_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_at ON jobs(run_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
