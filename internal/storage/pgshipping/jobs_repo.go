package pgshipping

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// EnqueueJob ставит задачу с отложенным запуском.
func (s *Storage) EnqueueJob(ctx context.Context, kind queue.JobKind, shopID, shipmentID uint64, delay time.Duration, forceSync bool, requestID string) (*queue.Job, error) {
	now := time.Now().UTC()
	j := queue.Job{
		Kind:       kind,
		ShopID:     shopID,
		ShipmentID: shipmentID,
		RunAt:      now.Add(delay),
		ForceSync:  forceSync,
		RequestID:  requestID,
		CreatedAt:  now,
	}

	err := s.db.QueryRow(ctx, `
INSERT INTO jobs (kind, shop_id, shipment_id, run_at, force_sync, request_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, j.Kind, j.ShopID, j.ShipmentID, j.RunAt, j.ForceSync, j.RequestID, j.CreatedAt).Scan(&j.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert job")
	}
	return &j, nil
}

// ClaimDueJobs выбирает пачку созревших задач и сдвигает их run_at на lease
// вперёд, чтобы вторая реплика воркера не забрала те же задачи. Если воркер
// умрёт, не завершив задачу, она всплывёт после окончания lease.
func (s *Storage) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*queue.Job, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, kind, shop_id, shipment_id, run_at, attempts, force_sync, request_id, created_at
FROM jobs
WHERE run_at <= $1
ORDER BY run_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due jobs")
	}
	defer rows.Close()

	var picked []*queue.Job
	for rows.Next() {
		var j queue.Job
		if err := rows.Scan(
			&j.ID, &j.Kind, &j.ShopID, &j.ShipmentID,
			&j.RunAt, &j.Attempts, &j.ForceSync, &j.RequestID, &j.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		picked = append(picked, &j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, j := range picked {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET run_at = $2 WHERE id = $1`, j.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease job")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// CompleteJob удаляет выполненную задачу.
func (s *Storage) CompleteJob(ctx context.Context, jobID uint64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return errors.Wrap(err, "delete job")
}

// RescheduleJob переносит задачу на delay вперёд, увеличивая счётчик попыток.
func (s *Storage) RescheduleJob(ctx context.Context, jobID uint64, delay time.Duration) error {
	_, err := s.db.Exec(ctx, `
UPDATE jobs SET run_at = $2, attempts = attempts + 1 WHERE id = $1
`, jobID, time.Now().UTC().Add(delay))
	return errors.Wrap(err, "reschedule job")
}

// CountPendingJobs — сколько задач ждёт в очереди (для ops-статистики).
func (s *Storage) CountPendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return n, nil
}
