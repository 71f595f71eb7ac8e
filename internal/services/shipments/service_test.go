package shipments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu sync.Mutex

	nextID    uint64
	shipments map[uint64]*models.Shipment
	shops     map[uint64]*models.Shop
	logs      map[uint64][]*models.TrackingLog

	getByIDCalls int
	enqueued     []*queue.Job
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		shipments: map[uint64]*models.Shipment{},
		shops:     map[uint64]*models.Shop{},
		logs:      map[uint64][]*models.TrackingLog{},
	}
}

func (f *fakeRepo) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sh := range f.shipments {
		if sh.ShopID == in.ShopID && sh.OrderID == in.OrderID && sh.Status != models.StatusCancelled {
			return nil, pgshipping.ErrDuplicateOrder
		}
	}
	f.nextID++
	payload := in.OrderPayload
	sh := &models.Shipment{
		ID: f.nextID, ShopID: in.ShopID, OrderID: in.OrderID, OrderName: in.OrderName,
		Status: models.StatusPending, ServiceClass: in.ServiceClass,
		COD: in.COD, CODAmount: in.CODAmount,
		CreatedAt: time.Now().UTC(),
	}
	if payload != "" {
		sh.OrderPayload = &payload
	}
	f.shipments[sh.ID] = sh
	cp := *sh
	return &cp, nil
}

func (f *fakeRepo) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getByIDCalls++
	sh, ok := f.shipments[id]
	if !ok {
		return nil, pgshipping.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (f *fakeRepo) GetShipmentByOrder(ctx context.Context, shopID, orderID uint64) (*models.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Shipment
	for _, sh := range f.shipments {
		if sh.ShopID == shopID && sh.OrderID == orderID {
			if latest == nil || sh.ID > latest.ID {
				latest = sh
			}
		}
	}
	if latest == nil {
		return nil, pgshipping.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepo) ListShipments(ctx context.Context, flt models.ShipmentFilter) ([]*models.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range f.shipments {
		if flt.Status != "" && sh.Status != flt.Status {
			continue
		}
		cp := *sh
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) ListTrackingLogs(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[shipmentID], nil
}

func (f *fakeRepo) MarkRetryPending(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status != models.StatusError {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusPending
	sh.RetryCount = 0
	sh.SyncAttempts = 0
	sh.ErrorMessage = nil
	sh.StaleFlag = false
	return nil
}

func (f *fakeRepo) MarkCancelled(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := f.shipments[id]
	if sh == nil || sh.Status.IsTerminal() {
		return pgshipping.ErrStatusConflict
	}
	sh.Status = models.StatusCancelled
	return nil
}

func (f *fakeRepo) EnqueueJob(ctx context.Context, kind queue.JobKind, shopID, shipmentID uint64, delay time.Duration, forceSync bool, requestID string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &queue.Job{
		ID: uint64(len(f.enqueued) + 1), Kind: kind, ShopID: shopID, ShipmentID: shipmentID,
		RunAt: time.Now().UTC().Add(delay), ForceSync: forceSync, RequestID: requestID,
	}
	f.enqueued = append(f.enqueued, j)
	return j, nil
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

func (f *fakeRepo) GetShopByDomain(ctx context.Context, domain string) (*models.Shop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sp := range f.shops {
		if sp.Domain == domain {
			cp := *sp
			return &cp, nil
		}
	}
	return nil, pgshipping.ErrNotFound
}

func (f *fakeRepo) Metrics(ctx context.Context, shopID uint64) (*models.HealthMetrics, error) {
	return &models.HealthMetrics{}, nil
}

type fakeEco struct {
	mu          sync.Mutex
	cancelCalls int
}

func (f *fakeEco) Authenticate(ctx context.Context, acct ecofreight.Account) (ecofreight.AuthResult, error) {
	return ecofreight.AuthResult{Token: "tok"}, nil
}

func (f *fakeEco) CreateShipment(ctx context.Context, acct ecofreight.Account, token string, req ecofreight.CreateRequest) (ecofreight.CreateResult, error) {
	return ecofreight.CreateResult{}, nil
}

func (f *fakeEco) GetLabel(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.LabelResult, error) {
	return ecofreight.LabelResult{}, nil
}

func (f *fakeEco) Track(ctx context.Context, acct ecofreight.Account, token, awb string) (ecofreight.TrackResult, error) {
	return ecofreight.TrackResult{}, nil
}

func (f *fakeEco) Cancel(ctx context.Context, acct ecofreight.Account, token, awb string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error) {
	return "tok", nil
}

type fakeStore struct {
	mu                   sync.Mutex
	order                *shopfront.Order
	recent               []*shopfront.Order
	cancelledFulfillment int
}

func (f *fakeStore) GetOrder(ctx context.Context, acct shopfront.Account, orderID uint64) (*shopfront.Order, error) {
	return f.order, nil
}

func (f *fakeStore) ListRecentOrders(ctx context.Context, acct shopfront.Account, limit int) ([]*shopfront.Order, error) {
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeStore) CreateFulfillment(ctx context.Context, acct shopfront.Account, orderID uint64, in shopfront.FulfillmentInput) (shopfront.FulfillmentResult, error) {
	return shopfront.FulfillmentResult{ID: 1}, nil
}

func (f *fakeStore) UpdateFulfillmentStatus(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, status string) error {
	return nil
}

func (f *fakeStore) PostFulfillmentEvent(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, ev shopfront.FulfillmentEvent) error {
	return nil
}

func (f *fakeStore) CancelFulfillment(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledFulfillment++
	return nil
}

func (f *fakeStore) UpdateOrderNote(ctx context.Context, acct shopfront.Account, orderID uint64, note string) error {
	return nil
}

func (f *fakeStore) AttachFile(ctx context.Context, acct shopfront.Account, orderID uint64, filename string, data []byte) (shopfront.FileResult, error) {
	return shopfront.FileResult{}, nil
}

type env struct {
	repo  *fakeRepo
	eco   *fakeEco
	store *fakeStore
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)

	e := &env{repo: newFakeRepo(), eco: &fakeEco{}, store: &fakeStore{}}
	e.svc = New(e.repo, e.eco, staticTokens{}, e.store, rediscache.New(mr.Addr()), 10*time.Minute).
		WithAllowedCountries([]string{"EG"})

	e.repo.shops[1] = &models.Shop{
		ID: 1, Domain: "demo.shopfront.test", ShopfrontToken: "tok",
		EcoBaseURL: "https://api.ecofreight.test", EcoUsername: "u", EcoPassword: "p",
	}
	return e
}

func validOrder() *shopfront.Order {
	return &shopfront.Order{
		ID: 1001, Name: "#1001", FinancialStatus: "paid",
		TotalPrice: "350.00", Currency: "EGP",
		ShippingAddress: &shopfront.Address{
			Name: "Customer", Phone: "+201111111111",
			Address1: "5 Tahrir Sq", City: "Cairo", CountryCode: "EG",
		},
		LineItems: []shopfront.LineItem{{ID: 1, Title: "Sneakers", Quantity: 1, Price: "350.00"}},
	}
}

func TestCreateFromOrder_OKAndDedup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sp, _ := e.repo.GetShopByID(ctx, 1)

	sh, err := e.svc.CreateFromOrder(ctx, sp, validOrder(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, sh.Status)
	require.Len(t, e.repo.enqueued, 1)
	require.Equal(t, queue.KindCreateShipment, e.repo.enqueued[0].Kind)

	// повторная доставка того же заказа — строка одна, задача одна
	again, err := e.svc.CreateFromOrder(ctx, sp, validOrder(), "req-2")
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Equal(t, sh.ID, again.ID)
	require.Len(t, e.repo.enqueued, 1)
	require.Len(t, e.repo.shipments, 1)
}

func TestCreateFromOrder_ValidationRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sp, _ := e.repo.GetShopByID(ctx, 1)

	ord := validOrder()
	ord.ShippingAddress.CountryCode = "FR"

	_, err := e.svc.CreateFromOrder(ctx, sp, ord, "req-1")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Empty(t, e.repo.shipments)
	require.Empty(t, e.repo.enqueued)
}

func TestCreateFromOrder_CODFromGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sp, _ := e.repo.GetShopByID(ctx, 1)

	ord := validOrder()
	ord.Gateway = "cash_on_delivery"

	sh, err := e.svc.CreateFromOrder(ctx, sp, ord, "req-1")
	require.NoError(t, err)
	require.True(t, sh.COD)
	require.InDelta(t, 350.0, sh.CODAmount, 0.001)
}

func TestFetchOrder_ManualImport(t *testing.T) {
	e := newEnv(t)
	e.store.order = validOrder()

	sh, err := e.svc.FetchOrder(context.Background(), 1, 1001, "req-manual")
	require.NoError(t, err)
	require.EqualValues(t, 1001, sh.OrderID)
	require.Len(t, e.repo.enqueued, 1)
}

func TestRecentOrders_ClampsLimit(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 30; i++ {
		e.store.recent = append(e.store.recent, &shopfront.Order{ID: uint64(3000 + i)})
	}

	ords, err := e.svc.RecentOrders(context.Background(), 1, 0) // 0 → дефолтные 20
	require.NoError(t, err)
	require.Len(t, ords, 20)

	_, err = e.svc.RecentOrders(context.Background(), 99, 10)
	require.ErrorIs(t, err, pgshipping.ErrNotFound)
}

func TestRetry_OnlyFromError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg := "boom"
	e.repo.shipments[5] = &models.Shipment{
		ID: 5, ShopID: 1, OrderID: 2001, OrderName: "#2001",
		Status: models.StatusError, RetryCount: 3, ErrorMessage: &msg,
	}

	sh, err := e.svc.Retry(ctx, 5, "req-retry")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, sh.Status)
	require.Zero(t, sh.RetryCount)
	require.Len(t, e.repo.enqueued, 1)
	require.Equal(t, queue.KindCreateShipment, e.repo.enqueued[0].Kind)

	// из pending retry уже не разрешён
	_, err = e.svc.Retry(ctx, 5, "req-retry-2")
	require.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestVoid_CancelsCarrierAndFulfillment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	awb := "EF00000001"
	fid := uint64(9001)
	e.repo.shipments[7] = &models.Shipment{
		ID: 7, ShopID: 1, OrderID: 2002, OrderName: "#2002",
		Status: models.StatusShipped, EcoFreightAWB: &awb, FulfillmentID: &fid,
	}

	sh, err := e.svc.Void(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, sh.Status)
	require.Equal(t, 1, e.eco.cancelCalls)
	require.Equal(t, 1, e.store.cancelledFulfillment)
}

func TestVoid_DeliveredRejected(t *testing.T) {
	e := newEnv(t)
	e.repo.shipments[8] = &models.Shipment{ID: 8, ShopID: 1, Status: models.StatusDelivered}

	_, err := e.svc.Void(context.Background(), 8)
	require.ErrorIs(t, err, ErrVoidNotAllowed)
}

func TestReship_VoidsThenCreatesFresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	awb := "EF00000009"
	payload := `{"id":2003}`
	e.repo.nextID = 20
	e.repo.shipments[20] = &models.Shipment{
		ID: 20, ShopID: 1, OrderID: 2003, OrderName: "#2003",
		Status: models.StatusError, EcoFreightAWB: &awb, OrderPayload: &payload,
	}

	fresh, err := e.svc.Reship(ctx, 20, "req-reship")
	require.NoError(t, err)
	require.NotEqual(t, uint64(20), fresh.ID)
	require.Equal(t, models.StatusPending, fresh.Status)
	require.Nil(t, fresh.EcoFreightAWB) // новая попытка начинается без AWB
	require.Equal(t, models.StatusCancelled, e.repo.shipments[20].Status)
	require.Equal(t, 1, e.eco.cancelCalls)

	// живая строка на заказ снова одна
	_, err = e.svc.Reship(ctx, fresh.ID, "req-reship-2")
	require.ErrorIs(t, err, ErrReshipNotAllowed)
}

func TestSyncNow_RequiresAWB(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.repo.shipments[30] = &models.Shipment{ID: 30, ShopID: 1, Status: models.StatusPending}

	require.ErrorIs(t, e.svc.SyncNow(ctx, 30, "req"), ErrNoAWB)

	awb := "EF00000030"
	e.repo.shipments[30].EcoFreightAWB = &awb
	require.NoError(t, e.svc.SyncNow(ctx, 30, "req"))
	require.Len(t, e.repo.enqueued, 1)
	require.Equal(t, queue.KindTrackSync, e.repo.enqueued[0].Kind)
	require.True(t, e.repo.enqueued[0].ForceSync)
}

func TestDetail_CacheAside(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.repo.shipments[40] = &models.Shipment{ID: 40, ShopID: 1, OrderName: "#3001", Status: models.StatusShipped}

	_, _, err := e.svc.Detail(ctx, 40, 10, 0)
	require.NoError(t, err)
	first := e.repo.getByIDCalls

	// второй запрос карточки обслуживается из кэша
	sh, _, err := e.svc.Detail(ctx, 40, 10, 0)
	require.NoError(t, err)
	require.Equal(t, first, e.repo.getByIDCalls)
	require.Equal(t, "#3001", sh.OrderName)
}

func TestApplyUpdatedEvent_RefreshesCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.repo.shipments[50] = &models.Shipment{ID: 50, ShopID: 1, OrderName: "#3002", Status: models.StatusShipped}

	_, _, err := e.svc.Detail(ctx, 50, 10, 0) // прогреваем кэш
	require.NoError(t, err)

	e.repo.shipments[50].Status = models.StatusDelivered
	require.NoError(t, e.svc.ApplyUpdatedEvent(ctx, messages.ShipmentUpdated{
		ShipmentID: 50, ShopID: 1, Status: string(models.StatusDelivered), CheckedAt: time.Now().UTC(),
	}))

	sh, _, err := e.svc.Detail(ctx, 50, 10, 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, sh.Status)

	// marshal sanity: кэш хранит весь снапшот
	b, err := json.Marshal(sh)
	require.NoError(t, err)
	require.Contains(t, string(b), "#3002")
}
