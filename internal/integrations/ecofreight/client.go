package ecofreight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Account — реквизиты тенанта у перевозчика. BaseURL может отличаться
// от магазина к магазину (staging/prod кабинеты EcoFreight).
type Account struct {
	BaseURL  string
	Username string
	Password string
}

type AuthResult struct {
	Token     string
	ExpiresIn time.Duration
}

type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address1   string `json:"address1"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
}

type Parcel struct {
	WeightKg float64 `json:"weight_kg"`
	LengthCm float64 `json:"length_cm"`
	WidthCm  float64 `json:"width_cm"`
	HeightCm float64 `json:"height_cm"`
}

type Item struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
}

type CreateRequest struct {
	Reference string  `json:"reference"` // человекочитаемый номер заказа
	Service   string  `json:"service"`   // standard | express
	COD       bool    `json:"cod"`
	CODAmount float64 `json:"cod_amount,omitempty"`
	Pickup    Address `json:"pickup"`
	Delivery  Address `json:"delivery"`
	Parcel    Parcel  `json:"parcel"`
	Items     []Item  `json:"items"`
}

type CreateResult struct {
	AWB         string
	Reference   string
	TrackingURL string
}

type LabelResult struct {
	URL  string
	Data []byte
}

type Checkpoint struct {
	Status      string
	Description string
	Location    *string
	EventTime   time.Time
	Payload     json.RawMessage
}

type TrackResult struct {
	Status      string // сырой код перевозчика
	Checkpoints []*Checkpoint
}

// Client — весь контракт EcoFreight. Авторизация отдельно: bearer-токен
// кэшируется снаружи (TokenSource) и переживает много вызовов.
type Client interface {
	Authenticate(ctx context.Context, acct Account) (AuthResult, error)
	CreateShipment(ctx context.Context, acct Account, token string, req CreateRequest) (CreateResult, error)
	GetLabel(ctx context.Context, acct Account, token, awb string) (LabelResult, error)
	Track(ctx context.Context, acct Account, token, awb string) (TrackResult, error)
	Cancel(ctx context.Context, acct Account, token, awb string) error
}

// APIError — ответ перевозчика с кодом. 4xx (кроме 401) считаем бизнес-отказом:
// повтор того же payload ничего не изменит.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ecofreight http %d: %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) IsAuth() bool {
	return e.StatusCode == 401
}

func (e *APIError) IsBusinessRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 401 && e.StatusCode != 429
}
