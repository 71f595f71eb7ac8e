package models

import "time"

// ServiceClass — класс доставки EcoFreight.
const (
	ServiceStandard = "standard"
	ServiceExpress  = "express"
)

// Shipment — одна попытка доставки одного заказа Shopfront.
// Строки не удаляются: reship отменяет старую запись и создаёт новую.
type Shipment struct {
	ID     uint64
	ShopID uint64

	OrderID   uint64
	OrderName string

	// AWB и reference появляются только после успешного create у перевозчика.
	EcoFreightAWB *string
	EcoFreightRef *string

	Status     ShipmentStatus
	LastStatus string // сырой статус перевозчика, как пришёл

	ServiceClass string
	COD          bool
	CODAmount    float64

	FulfillmentID *uint64

	OrderPayload *string // снапшот заказа (JSON)
	LabelURL     *string
	TrackingURL  *string

	LastCheckedAt    *time.Time
	LastTrackingSync *time.Time
	FirstScanAt      *time.Time
	DeliveredAt      *time.Time

	StaleFlag    bool
	SyncAttempts int32
	RetryCount   int32
	NextRetryAt  *time.Time
	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrackingLog — append-only чекпоинт перевозчика для одного отправления.
// Дедупликация по (shipment_id, status, event_time).
type TrackingLog struct {
	ID          uint64
	ShipmentID  uint64
	Status      string
	Description string
	Location    *string
	EventTime   time.Time
	PayloadJSON *string
	CreatedAt   time.Time
}

// Shop — настройки тенанта. Ядро читает их и не меняет
// (кроме кэша bearer-токена, который живёт в redis, не здесь).
type Shop struct {
	ID     uint64
	Domain string
	Name   string

	ShopfrontToken string

	EcoBaseURL  string
	EcoUsername string
	EcoPassword string

	// Габариты посылки по умолчанию, если заказ их не задаёт.
	DefaultWeightKg float64
	DefaultLengthCm float64
	DefaultWidthCm  float64
	DefaultHeightCm float64

	PollIntervalMinutes int
	StopAfterDays       int

	CODFee float64

	AlertEmails []string

	ShipFromName     string
	ShipFromPhone    string
	ShipFromAddress1 string
	ShipFromAddress2 string
	ShipFromCity     string
	ShipFromCountry  string
	ShipFromPostal   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShipmentCreateInput — то, что нужно, чтобы завести отправление в статусе pending.
type ShipmentCreateInput struct {
	ShopID       uint64
	OrderID      uint64
	OrderName    string
	ServiceClass string
	COD          bool
	CODAmount    float64
	OrderPayload string
}

// ShipmentFilter — фильтры операторского списка.
type ShipmentFilter struct {
	ShopID    uint64
	Status    ShipmentStatus
	StaleOnly bool
	Search    string // по order_name / awb
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// HealthMetrics — агрегаты для операторской панели.
type HealthMetrics struct {
	Active          int64   `json:"active"`
	Delivered24h    int64   `json:"delivered24h"`
	Exceptions      int64   `json:"exceptions"`
	Stale           int64   `json:"stale"`
	SuccessRate7d   float64 `json:"successRate7d"`
	AvgDeliveryDays float64 `json:"avgDeliveryDays30d"`
}
