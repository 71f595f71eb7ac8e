package shopfront

import (
	"context"
	"strconv"

	"github.com/BearBump/ShipBridge/internal/models"
)

// Account — доступ к кабинету Shopfront одного магазина.
type Account struct {
	Domain      string
	AccessToken string
}

type Address struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip,omitempty"`
}

type LineItem struct {
	ID       uint64  `json:"id"`
	Title    string  `json:"title"`
	Quantity int     `json:"quantity"`
	SKU      string  `json:"sku,omitempty"`
	Grams    int     `json:"grams,omitempty"`
	Price    string  `json:"price"`
}

// Order — заказ так, как его отдаёт Shopfront (и присылает в вебхуках).
type Order struct {
	ID              uint64     `json:"id"`
	Name            string     `json:"name"`
	FinancialStatus string     `json:"financial_status"`
	Gateway         string     `json:"gateway,omitempty"`
	TotalPrice      string     `json:"total_price"`
	Currency        string     `json:"currency"`
	Note            string     `json:"note,omitempty"`
	ShippingAddress *Address   `json:"shipping_address"`
	LineItems       []LineItem `json:"line_items"`
}

// TotalPriceValue парсит денежную строку платформы. Ошибка формата —
// блокирующая ошибка данных, а не повод для ретрая.
func (o *Order) TotalPriceValue() (float64, error) {
	v, err := strconv.ParseFloat(o.TotalPrice, 64)
	if err != nil {
		return 0, models.Invalid("total_price", "is not a number")
	}
	return v, nil
}

// ValidateForShipping — проверки «заказ можно везти», общие для вебхука
// и ручного fetch. Любая ошибка здесь не ретраится.
func (o *Order) ValidateForShipping(allowedCountries []string) error {
	if o.FinancialStatus != "paid" {
		return models.Invalid("financial_status", "must be paid")
	}
	if o.ShippingAddress == nil {
		return models.Invalid("shipping_address", "is required")
	}
	a := o.ShippingAddress
	switch {
	case a.Phone == "":
		return models.Invalid("shipping_address.phone", "is required")
	case a.Address1 == "":
		return models.Invalid("shipping_address.address1", "is required")
	case a.City == "":
		return models.Invalid("shipping_address.city", "is required")
	case a.CountryCode == "":
		return models.Invalid("shipping_address.country_code", "is required")
	}
	if len(allowedCountries) > 0 {
		ok := false
		for _, c := range allowedCountries {
			if c == a.CountryCode {
				ok = true
				break
			}
		}
		if !ok {
			return models.Invalid("shipping_address.country_code", "is outside the delivery area")
		}
	}
	if len(o.LineItems) == 0 {
		return models.Invalid("line_items", "must not be empty")
	}
	return nil
}

type FulfillmentInput struct {
	TrackingNumber  string
	TrackingURL     string
	TrackingCompany string
	NotifyCustomer  bool
}

type FulfillmentResult struct {
	ID uint64
}

type FulfillmentEvent struct {
	Status  string
	Message string
	City    string
	Country string
}

type FileResult struct {
	URL string
}

// Client — весь контракт Order Gateway. Все ошибки реализации считаются
// транзиентными I/O-ошибками и ретраятся конвейером.
type Client interface {
	GetOrder(ctx context.Context, acct Account, orderID uint64) (*Order, error)
	ListRecentOrders(ctx context.Context, acct Account, limit int) ([]*Order, error)
	CreateFulfillment(ctx context.Context, acct Account, orderID uint64, in FulfillmentInput) (FulfillmentResult, error)
	UpdateFulfillmentStatus(ctx context.Context, acct Account, orderID, fulfillmentID uint64, status string) error
	PostFulfillmentEvent(ctx context.Context, acct Account, orderID, fulfillmentID uint64, ev FulfillmentEvent) error
	CancelFulfillment(ctx context.Context, acct Account, orderID, fulfillmentID uint64) error
	UpdateOrderNote(ctx context.Context, acct Account, orderID uint64, note string) error
	AttachFile(ctx context.Context, acct Account, orderID uint64, filename string, data []byte) (FileResult, error)
}
