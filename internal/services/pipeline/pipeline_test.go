package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/stretchr/testify/require"
)

// fakeRepo — in-memory репозиторий с теми же guard'ами, что и pgshipping.
type fakeRepo struct {
	mu sync.Mutex

	shipments map[uint64]*models.Shipment
	shops     map[uint64]*models.Shop
	logs      []*models.TrackingLog

	nextJobID   uint64
	enqueued    []*queue.Job
	rescheduled []time.Duration
	completed   []uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		shipments: map[uint64]*models.Shipment{},
		shops:     map[uint64]*models.Shop{},
	}
}

func (f *fakeRepo) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*queue.Job, error) {
	return nil, nil
}

func (f *fakeRepo) CompleteJob(ctx context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeRepo) RescheduleJob(ctx context.Context, jobID uint64, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, delay)
	return nil
}

func (f *fakeRepo) EnqueueJob(ctx context.Context, kind queue.JobKind, shopID, shipmentID uint64, delay time.Duration, forceSync bool, requestID string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	j := &queue.Job{
		ID: f.nextJobID, Kind: kind, ShopID: shopID, ShipmentID: shipmentID,
		RunAt: time.Now().UTC().Add(delay), ForceSync: forceSync, RequestID: requestID,
	}
	f.enqueued = append(f.enqueued, j)
	return j, nil
}

func (f *fakeRepo) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh, ok := f.shipments[id]
	if !ok {
		return nil, pgshipping.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (f *fakeRepo) GetShopByID(ctx context.Context, id uint64) (*models.Shop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.shops[id]
	if !ok {
		return nil, pgshipping.ErrNotFound
	}
	cp := *sp
	return &cp, nil
}

func (f *fakeRepo) MarkCreated(ctx context.Context, id uint64, awb, ref string, trackingURL *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status != models.StatusPending {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusCreated
	sh.EcoFreightAWB = &awb
	sh.EcoFreightRef = &ref
	sh.TrackingURL = trackingURL
	sh.RetryCount = 0
	sh.NextRetryAt = nil
	sh.ErrorMessage = nil
	return nil
}

func (f *fakeRepo) ScheduleCreateRetry(ctx context.Context, id uint64, retryCount int32, nextRetryAt time.Time, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status != models.StatusPending {
		return pgshipping.ErrStatusConflict
	}
	sh.RetryCount = retryCount
	sh.NextRetryAt = &nextRetryAt
	sh.ErrorMessage = &msg
	return nil
}

func (f *fakeRepo) MarkLabelGenerated(ctx context.Context, id uint64, labelURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || (sh.Status != models.StatusCreated && sh.Status != models.StatusLabelPending) {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusLabelGenerated
	sh.LabelURL = &labelURL
	sh.ErrorMessage = nil
	return nil
}

func (f *fakeRepo) MarkLabelPending(ctx context.Context, id uint64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status != models.StatusCreated {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusLabelPending
	sh.ErrorMessage = &msg
	return nil
}

func (f *fakeRepo) SetFulfillment(ctx context.Context, id, fulfillmentID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sh := f.shipments[id]; sh != nil {
		sh.FulfillmentID = &fulfillmentID
	}
	return nil
}

func (f *fakeRepo) MarkError(ctx context.Context, id uint64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status == models.StatusDelivered || sh.Status == models.StatusCancelled || sh.Status == models.StatusError {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusError
	sh.ErrorMessage = &msg
	return nil
}

func (f *fakeRepo) MarkStale(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sh := f.shipments[id]; sh != nil {
		sh.StaleFlag = true
	}
	return nil
}

func (f *fakeRepo) RecordSyncFailure(ctx context.Context, id uint64, msg string, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sh := f.shipments[id]; sh != nil {
		sh.SyncAttempts++
		sh.LastCheckedAt = &checkedAt
		sh.ErrorMessage = &msg
	}
	return nil
}

func (f *fakeRepo) ApplyTrackingUpdate(ctx context.Context, upd pgshipping.TrackingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[upd.ShipmentID]
	if sh == nil || sh.Status != upd.FromStatus {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = upd.NewStatus
	sh.LastStatus = upd.LastStatus
	sh.LastCheckedAt = &upd.CheckedAt
	sh.LastTrackingSync = &upd.CheckedAt
	if sh.FirstScanAt == nil {
		sh.FirstScanAt = upd.FirstScanAt
	}
	if sh.DeliveredAt == nil {
		sh.DeliveredAt = upd.DeliveredAt
	}
	sh.SyncAttempts = 0
	sh.StaleFlag = false
	sh.ErrorMessage = nil
	for _, l := range upd.Logs {
		cp := *l
		cp.ShipmentID = upd.ShipmentID
		f.logs = append(f.logs, &cp)
	}
	return nil
}

// fakeEco — перевозчик по сценарию: очередь ошибок на create, фиксированные
// ответы на остальное.
type fakeEco struct {
	mu sync.Mutex

	authCalls, createCalls, labelCalls, trackCalls, cancelCalls int

	createErrs []error // снимается по одной на каждый вызов; nil == успех
	createRes  ecofreight.CreateResult

	labelErrs []error
	labelRes  ecofreight.LabelResult

	trackErrs []error
	trackRes  ecofreight.TrackResult
}

func (f *fakeEco) pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	e := (*errs)[0]
	*errs = (*errs)[1:]
	return e
}

func (f *fakeEco) Authenticate(ctx context.Context, acct ecofreight.Account) (ecofreight.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return ecofreight.AuthResult{Token: "fresh-token", ExpiresIn: time.Hour}, nil
}

func (f *fakeEco) CreateShipment(ctx context.Context, acct ecofreight.Account, token string, req ecofreight.CreateRequest) (ecofreight.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := f.pop(&f.createErrs); err != nil {
		return ecofreight.CreateResult{}, err
	}
	return f.createRes, nil
}

func (f *fakeEco) GetLabel(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.LabelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelCalls++
	if err := f.pop(&f.labelErrs); err != nil {
		return ecofreight.LabelResult{}, err
	}
	return f.labelRes, nil
}

func (f *fakeEco) Track(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.TrackResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCalls++
	if err := f.pop(&f.trackErrs); err != nil {
		return ecofreight.TrackResult{}, err
	}
	return f.trackRes, nil
}

func (f *fakeEco) Cancel(ctx context.Context, acct ecofreight.Account, token, awb string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

type fakeTokens struct {
	mu            sync.Mutex
	refreshes     int
	invalidations int
}

func (f *fakeTokens) Token(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error) {
	return "cached-token", nil
}

func (f *fakeTokens) Refresh(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "fresh-token", nil
}

func (f *fakeTokens) Invalidate(ctx context.Context, shopID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

type fakeStore struct {
	mu sync.Mutex

	fulfillments     int
	statusUpdates    []string
	events           []string
	notes            []string
	cancelled        int
	attachedFiles    int
	fulfillmentErr   error
	statusUpdateErrs []error
}

func (f *fakeStore) GetOrder(ctx context.Context, acct shopfront.Account, orderID uint64) (*shopfront.Order, error) {
	return nil, nil
}

func (f *fakeStore) ListRecentOrders(ctx context.Context, acct shopfront.Account, limit int) ([]*shopfront.Order, error) {
	return nil, nil
}

func (f *fakeStore) CreateFulfillment(ctx context.Context, acct shopfront.Account, orderID uint64, in shopfront.FulfillmentInput) (shopfront.FulfillmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fulfillmentErr != nil {
		return shopfront.FulfillmentResult{}, f.fulfillmentErr
	}
	f.fulfillments++
	return shopfront.FulfillmentResult{ID: 9000 + uint64(f.fulfillments)}, nil
}

func (f *fakeStore) UpdateFulfillmentStatus(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusUpdateErrs) > 0 {
		e := f.statusUpdateErrs[0]
		f.statusUpdateErrs = f.statusUpdateErrs[1:]
		if e != nil {
			return e
		}
	}
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeStore) PostFulfillmentEvent(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, ev shopfront.FulfillmentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev.Status)
	return nil
}

func (f *fakeStore) CancelFulfillment(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeStore) UpdateOrderNote(ctx context.Context, acct shopfront.Account, orderID uint64, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) AttachFile(ctx context.Context, acct shopfront.Account, orderID uint64, filename string, data []byte) (shopfront.FileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedFiles++
	return shopfront.FileResult{URL: "https://files.shopfront.test/" + filename}, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{messages: map[string][][]byte{}}
}

func (f *fakeProducer) PublishJSON(ctx context.Context, topic, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[topic] = append(f.messages[topic], b)
	return nil
}

func (f *fakeProducer) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[topic])
}

type fakeRL struct{ allowed bool }

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, 1, nil
}

const (
	testUpdatedTopic = "shipment.updated"
	testAlertsTopic  = "shipment.alerts"
)

type env struct {
	repo     *fakeRepo
	eco      *fakeEco
	tokens   *fakeTokens
	store    *fakeStore
	producer *fakeProducer
	runner   *Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:     newFakeRepo(),
		eco:      &fakeEco{},
		tokens:   &fakeTokens{},
		store:    &fakeStore{},
		producer: newFakeProducer(),
	}
	e.runner = New(e.repo, e.eco, e.tokens, e.store, e.producer, fakeRL{allowed: true},
		testUpdatedTopic, testAlertsTopic).
		WithAllowedCountries([]string{"EG"})
	return e
}

func testShop() *models.Shop {
	return &models.Shop{
		ID:                  1,
		Domain:              "demo.shopfront.test",
		ShopfrontToken:      "tok",
		EcoBaseURL:          "https://api.ecofreight.test",
		EcoUsername:         "demo",
		EcoPassword:         "secret",
		DefaultWeightKg:     1,
		PollIntervalMinutes: 30,
		StopAfterDays:       10,
		AlertEmails:         []string{"ops@demo.test"},
		ShipFromName:        "Warehouse",
		ShipFromPhone:       "+201000000000",
		ShipFromAddress1:    "1 Nile St",
		ShipFromCity:        "Cairo",
		ShipFromCountry:     "EG",
	}
}

func testOrderPayload(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(shopfront.Order{
		ID:              1001,
		Name:            "#1001",
		FinancialStatus: "paid",
		TotalPrice:      "350.00",
		Currency:        "EGP",
		ShippingAddress: &shopfront.Address{
			Name: "Customer", Phone: "+201111111111",
			Address1: "5 Tahrir Sq", City: "Cairo", CountryCode: "EG",
		},
		LineItems: []shopfront.LineItem{
			{ID: 1, Title: "Sneakers", Quantity: 1, Grams: 900, Price: "350.00"},
		},
	})
	require.NoError(t, err)
	return string(b)
}

// seed кладёт магазин и отправление в репозиторий и возвращает задачу.
func (e *env) seed(t *testing.T, status models.ShipmentStatus, kind queue.JobKind, attempts int32) (*models.Shipment, *queue.Job) {
	t.Helper()
	sp := testShop()
	e.repo.shops[sp.ID] = sp

	payload := testOrderPayload(t)
	sh := &models.Shipment{
		ID: 10, ShopID: sp.ID, OrderID: 1001, OrderName: "#1001",
		Status: status, ServiceClass: models.ServiceStandard,
		OrderPayload: &payload,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	if status != models.StatusPending {
		awb := "EF00000001"
		sh.EcoFreightAWB = &awb
	}
	e.repo.shipments[sh.ID] = sh

	return sh, &queue.Job{
		ID: 100, Kind: kind, ShopID: sp.ID, ShipmentID: sh.ID,
		Attempts: attempts, RequestID: "req-test",
	}
}
