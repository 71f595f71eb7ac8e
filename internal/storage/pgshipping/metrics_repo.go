package pgshipping

import (
	"context"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
)

// Metrics считает агрегаты для операторской панели одним запросом.
// shopID = 0 — по всем тенантам.
func (s *Storage) Metrics(ctx context.Context, shopID uint64) (*models.HealthMetrics, error) {
	var m models.HealthMetrics
	err := s.db.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status NOT IN ('delivered','cancelled','error')) AS active,
  COUNT(*) FILTER (WHERE status = 'delivered' AND delivered_at >= now() - interval '24 hours') AS delivered24h,
  COUNT(*) FILTER (WHERE status = 'error') AS exceptions,
  COUNT(*) FILTER (WHERE stale_flag) AS stale,
  COALESCE(
    COUNT(*) FILTER (WHERE status = 'delivered' AND created_at >= now() - interval '7 days')::float
      / NULLIF(COUNT(*) FILTER (WHERE created_at >= now() - interval '7 days'), 0),
    0
  ) AS success_rate_7d,
  COALESCE(
    AVG(EXTRACT(EPOCH FROM (delivered_at - created_at)) / 86400.0)
      FILTER (WHERE delivered_at IS NOT NULL AND delivered_at >= now() - interval '30 days'),
    0
  ) AS avg_delivery_days
FROM shipments
WHERE ($1 = 0 OR shop_id = $1)
`, shopID).Scan(
		&m.Active, &m.Delivered24h, &m.Exceptions, &m.Stale,
		&m.SuccessRate7d, &m.AvgDeliveryDays,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select metrics")
	}
	return &m, nil
}
