package queue

import "time"

// JobKind — типы задач конвейера. Каждая следующая ставится в очередь
// только из успешного завершения предыдущей.
type JobKind string

const (
	KindCreateShipment JobKind = "create_shipment"
	KindGenerateLabel  JobKind = "generate_label"
	KindTrackSync      JobKind = "track_sync"
)

// Job — единица работы в таблице jobs. run_at дает отложенный запуск,
// attempts считает уже случившиеся неудачи этого экземпляра задачи.
type Job struct {
	ID         uint64
	Kind       JobKind
	ShopID     uint64
	ShipmentID uint64
	RunAt      time.Time
	Attempts   int32
	ForceSync  bool
	RequestID  string
	CreatedAt  time.Time
}

const (
	// LabelSecondChanceDelay — одиночный отложенный повтор генерации ярлыка
	// после исчерпания обычного бюджета ретраев (label_pending).
	LabelSecondChanceDelay = 30 * time.Minute

	// FirstTrackDelay — пауза между fulfillment и первым опросом трекинга.
	FirstTrackDelay = 5 * time.Minute
)
