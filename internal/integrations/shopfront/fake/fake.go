package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
)

// FakeClient — заглушка Shopfront для dev-окружения: помнит созданные
// fulfillment'ы в памяти, заказы отдаёт синтетические.
type FakeClient struct {
	mu     sync.Mutex
	nextID uint64
	notes  map[uint64]string
}

func New() *FakeClient {
	return &FakeClient{nextID: 1, notes: map[uint64]string{}}
}

func (f *FakeClient) GetOrder(ctx context.Context, acct shopfront.Account, orderID uint64) (*shopfront.Order, error) {
	return &shopfront.Order{
		ID:              orderID,
		Name:            fmt.Sprintf("#%d", orderID),
		FinancialStatus: "paid",
		TotalPrice:      "500.00",
		Currency:        "EGP",
		ShippingAddress: &shopfront.Address{
			Name:        "Fake Customer",
			Phone:       "+201000000001",
			Address1:    "1 Fake St",
			City:        "Cairo",
			CountryCode: "EG",
		},
		LineItems: []shopfront.LineItem{{ID: 1, Title: "Demo item", Quantity: 1, Price: "500.00"}},
	}, nil
}

func (f *FakeClient) ListRecentOrders(ctx context.Context, acct shopfront.Account, limit int) ([]*shopfront.Order, error) {
	if limit <= 0 {
		limit = 1
	}
	out := make([]*shopfront.Order, 0, limit)
	for i := 0; i < limit; i++ {
		o, _ := f.GetOrder(ctx, acct, uint64(1000+i))
		out = append(out, o)
	}
	return out, nil
}

func (f *FakeClient) CreateFulfillment(ctx context.Context, acct shopfront.Account, orderID uint64, in shopfront.FulfillmentInput) (shopfront.FulfillmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return shopfront.FulfillmentResult{ID: id}, nil
}

func (f *FakeClient) UpdateFulfillmentStatus(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, status string) error {
	return nil
}

func (f *FakeClient) PostFulfillmentEvent(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64, ev shopfront.FulfillmentEvent) error {
	return nil
}

func (f *FakeClient) CancelFulfillment(ctx context.Context, acct shopfront.Account, orderID, fulfillmentID uint64) error {
	return nil
}

func (f *FakeClient) UpdateOrderNote(ctx context.Context, acct shopfront.Account, orderID uint64, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[orderID] = note
	return nil
}

func (f *FakeClient) AttachFile(ctx context.Context, acct shopfront.Account, orderID uint64, filename string, data []byte) (shopfront.FileResult, error) {
	return shopfront.FileResult{URL: "https://files.fake/" + filename}, nil
}
