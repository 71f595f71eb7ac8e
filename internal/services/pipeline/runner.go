package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*queue.Job, error)
	CompleteJob(ctx context.Context, jobID uint64) error
	RescheduleJob(ctx context.Context, jobID uint64, delay time.Duration) error
	EnqueueJob(ctx context.Context, kind queue.JobKind, shopID, shipmentID uint64, delay time.Duration, forceSync bool, requestID string) (*queue.Job, error)

	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
	GetShopByID(ctx context.Context, id uint64) (*models.Shop, error)

	MarkCreated(ctx context.Context, id uint64, awb, ref string, trackingURL *string) error
	ScheduleCreateRetry(ctx context.Context, id uint64, retryCount int32, nextRetryAt time.Time, msg string) error
	MarkLabelGenerated(ctx context.Context, id uint64, labelURL string) error
	MarkLabelPending(ctx context.Context, id uint64, msg string) error
	SetFulfillment(ctx context.Context, id, fulfillmentID uint64) error
	MarkError(ctx context.Context, id uint64, msg string) error
	MarkStale(ctx context.Context, id uint64) error
	RecordSyncFailure(ctx context.Context, id uint64, msg string, checkedAt time.Time) error
	ApplyTrackingUpdate(ctx context.Context, upd pgshipping.TrackingUpdate) error
}

// Tokens кэширует bearer-токены EcoFreight по магазину.
type Tokens interface {
	Token(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error)
	Refresh(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error)
	Invalidate(ctx context.Context, shopID uint64)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, payload any) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Runner крутит конвейер Create -> Label -> Track: забирает созревшие
// задачи из очереди пачками и обрабатывает их с ограниченным параллелизмом.
type Runner struct {
	repo     Repository
	eco      ecofreight.Client
	tokens   Tokens
	store    shopfront.Client
	producer Producer
	rl       RateLimiter

	updatedTopic string
	alertsTopic  string

	backoff          queue.BackoffPolicy
	allowedCountries []string

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, eco ecofreight.Client, tokens Tokens, store shopfront.Client, producer Producer, rl RateLimiter, updatedTopic, alertsTopic string) *Runner {
	return &Runner{
		repo: repo, eco: eco, tokens: tokens, store: store, producer: producer, rl: rl,
		updatedTopic: updatedTopic, alertsTopic: alertsTopic,
		backoff:            queue.DefaultBackoff(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Runner) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Runner {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Runner) WithBackoff(p queue.BackoffPolicy) *Runner {
	if len(p.Delays) > 0 {
		r.backoff = p
	}
	return r
}

func (r *Runner) WithAllowedCountries(codes []string) *Runner {
	r.allowedCountries = codes
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Runner) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim due jobs", "error", err.Error())
		r.noteError(err)
		return
	}
	r.totalClaimed.Add(int64(len(jobs)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, j := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		jCopy := j
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, jCopy); err != nil {
				r.totalErrors.Add(1)
				r.noteError(err)
				slog.Error("process job",
					"job_id", jCopy.ID, "kind", jCopy.Kind,
					"shipment_id", jCopy.ShipmentID, "error", err.Error())
			}
			r.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (r *Runner) noteError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

// processOne возвращает ошибку только при инфраструктурных сбоях (БД и т.п.);
// бизнес-исходы (ретрай, error-статус, алерт) обработчики разруливают сами.
func (r *Runner) processOne(ctx context.Context, j *queue.Job) error {
	switch j.Kind {
	case queue.KindCreateShipment:
		return r.handleCreateShipment(ctx, j)
	case queue.KindGenerateLabel:
		return r.handleGenerateLabel(ctx, j)
	case queue.KindTrackSync:
		return r.handleTrackSync(ctx, j)
	default:
		slog.Warn("unknown job kind, dropping", "job_id", j.ID, "kind", j.Kind)
		return r.repo.CompleteJob(ctx, j.ID)
	}
}

func ecoAccount(sp *models.Shop) ecofreight.Account {
	return ecofreight.Account{
		BaseURL:  sp.EcoBaseURL,
		Username: sp.EcoUsername,
		Password: sp.EcoPassword,
	}
}

func storeAccount(sp *models.Shop) shopfront.Account {
	return shopfront.Account{Domain: sp.Domain, AccessToken: sp.ShopfrontToken}
}

// withToken выполняет вызов перевозчика с кэшированным токеном и один раз
// повторяет его со свежим токеном, если перевозчик ответил 401.
func (r *Runner) withToken(ctx context.Context, shopID uint64, acct ecofreight.Account, fn func(token string) error) error {
	token, err := r.tokens.Token(ctx, shopID, acct)
	if err != nil {
		return err
	}

	err = fn(token)
	var apiErr *ecofreight.APIError
	if errors.As(err, &apiErr) && apiErr.IsAuth() {
		r.tokens.Invalidate(ctx, shopID)
		token, rerr := r.tokens.Refresh(ctx, shopID, acct)
		if rerr != nil {
			return rerr
		}
		return fn(token)
	}
	return err
}

func (r *Runner) publishUpdated(ctx context.Context, sh *models.Shipment, requestID string) {
	awb := ""
	if sh.EcoFreightAWB != nil {
		awb = *sh.EcoFreightAWB
	}
	msg := messages.ShipmentUpdated{
		ShipmentID: sh.ID,
		ShopID:     sh.ShopID,
		OrderID:    sh.OrderID,
		Status:     string(sh.Status),
		LastStatus: sh.LastStatus,
		AWB:        awb,
		CheckedAt:  time.Now().UTC(),
		RequestID:  requestID,
	}
	key := fmt.Sprintf("%d", sh.ID)
	if err := r.producer.PublishJSON(ctx, r.updatedTopic, key, msg); err != nil {
		// Кэш на стороне api самовосстановится по TTL; статусы живут в БД.
		slog.Warn("publish shipment.updated", "shipment_id", sh.ID, "error", err.Error())
	}
}

func (r *Runner) publishAlert(ctx context.Context, sp *models.Shop, sh *models.Shipment, reason, message, requestID string) {
	msg := messages.AlertRequested{
		ShopID:     sh.ShopID,
		ShipmentID: sh.ID,
		OrderName:  sh.OrderName,
		Reason:     reason,
		Message:    message,
		Recipients: sp.AlertEmails,
		RequestID:  requestID,
	}
	key := fmt.Sprintf("%d", sh.ID)
	if err := r.producer.PublishJSON(ctx, r.alertsTopic, key, msg); err != nil {
		slog.Warn("publish alert", "shipment_id", sh.ID, "reason", reason, "error", err.Error())
	} else {
		slog.Info("alert requested", "alert", msg.String())
	}
}
