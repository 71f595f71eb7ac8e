package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyExists: на заказ уже заведено отправление — повторный
	// вебхук или повторный ручной fetch просто возвращают его.
	ErrAlreadyExists = errors.New("shipment already exists for order")

	ErrRetryNotAllowed  = errors.New("retry is allowed only from error status")
	ErrVoidNotAllowed   = errors.New("shipment can no longer be voided")
	ErrReshipNotAllowed = errors.New("reship is allowed for failed, cancelled or stale shipments")
	ErrNoAWB            = errors.New("shipment has no awb yet")
)

type Repository interface {
	CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
	GetShipmentByOrder(ctx context.Context, shopID, orderID uint64) (*models.Shipment, error)
	ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error)
	ListTrackingLogs(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingLog, error)

	MarkRetryPending(ctx context.Context, id uint64) error
	MarkCancelled(ctx context.Context, id uint64) error

	EnqueueJob(ctx context.Context, kind queue.JobKind, shopID, shipmentID uint64, delay time.Duration, forceSync bool, requestID string) (*queue.Job, error)

	GetShopByID(ctx context.Context, id uint64) (*models.Shop, error)
	GetShopByDomain(ctx context.Context, domain string) (*models.Shop, error)
	Metrics(ctx context.Context, shopID uint64) (*models.HealthMetrics, error)
}

// Tokens — кэш bearer-токенов EcoFreight (нужен оператору для void).
type Tokens interface {
	Token(ctx context.Context, shopID uint64, acct ecofreight.Account) (string, error)
}

// Service — операторские операции над отправлениями: список, карточка,
// retry/void/reship, принудительный sync и ручной fetch заказа.
type Service struct {
	repo   Repository
	eco    ecofreight.Client
	tokens Tokens
	store  shopfront.Client

	cache      cache.BytesCache
	currentTTL time.Duration

	allowedCountries []string
}

func New(repo Repository, eco ecofreight.Client, tokens Tokens, store shopfront.Client, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, eco: eco, tokens: tokens, store: store, cache: c, currentTTL: currentTTL}
}

func (s *Service) WithAllowedCountries(codes []string) *Service {
	s.allowedCountries = codes
	return s
}

func currentKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:current", id)
}

func (s *Service) cachePut(ctx context.Context, sh *models.Shipment) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(sh)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
}

func (s *Service) cacheDrop(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, currentKey(id))
}

// CreateFromOrder заводит отправление по заказу платформы: общая точка
// входа для вебхука orders/paid и ручного fetch. Дедупликация по заказу:
// повторный вызов возвращает существующую строку и ErrAlreadyExists.
func (s *Service) CreateFromOrder(ctx context.Context, sp *models.Shop, ord *shopfront.Order, requestID string) (*models.Shipment, error) {
	if err := ord.ValidateForShipping(s.allowedCountries); err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetShipmentByOrder(ctx, sp.ID, ord.ID); err == nil {
		if existing.Status != models.StatusCancelled {
			return existing, ErrAlreadyExists
		}
		// отменённая строка не блокирует новую (reship через вебхук не
		// случается, но ручной fetch после void — легален)
	} else if !errors.Is(err, pgshipping.ErrNotFound) {
		return nil, err
	}

	payload, err := json.Marshal(ord)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order payload")
	}

	in := models.ShipmentCreateInput{
		ShopID:       sp.ID,
		OrderID:      ord.ID,
		OrderName:    ord.Name,
		ServiceClass: models.ServiceStandard,
		OrderPayload: string(payload),
	}
	if ord.Gateway == "cash_on_delivery" {
		in.COD = true
		if v, verr := ord.TotalPriceValue(); verr == nil {
			in.CODAmount = v
		}
	}

	sh, err := s.repo.CreateShipment(ctx, in)
	if errors.Is(err, pgshipping.ErrDuplicateOrder) {
		// гонка двух доставок вебхука: вторая видит строку первой
		existing, gerr := s.repo.GetShipmentByOrder(ctx, sp.ID, ord.ID)
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.EnqueueJob(ctx, queue.KindCreateShipment, sp.ID, sh.ID, 0, false, requestID); err != nil {
		return nil, err
	}

	slog.Info("shipment accepted", "shipment_id", sh.ID, "shop_id", sp.ID, "order", sh.OrderName)
	return sh, nil
}

// FetchOrder — ручной импорт заказа, когда вебхук потерялся.
func (s *Service) FetchOrder(ctx context.Context, shopID, orderID uint64, requestID string) (*models.Shipment, error) {
	sp, err := s.repo.GetShopByID(ctx, shopID)
	if err != nil {
		return nil, err
	}
	ord, err := s.store.GetOrder(ctx, shopfront.Account{Domain: sp.Domain, AccessToken: sp.ShopfrontToken}, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch order")
	}
	return s.CreateFromOrder(ctx, sp, ord, requestID)
}

// RecentOrders — свежие заказы платформы, кандидаты для ручного fetch.
func (s *Service) RecentOrders(ctx context.Context, shopID uint64, limit int) ([]*shopfront.Order, error) {
	sp, err := s.repo.GetShopByID(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	ords, err := s.store.ListRecentOrders(ctx, shopfront.Account{Domain: sp.Domain, AccessToken: sp.ShopfrontToken}, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent orders")
	}
	return ords, nil
}

func (s *Service) List(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	return s.repo.ListShipments(ctx, f)
}

// Detail возвращает отправление (cache-aside по текущему состоянию)
// и его журнал чекпоинтов.
func (s *Service) Detail(ctx context.Context, id uint64, logLimit, logOffset int) (*models.Shipment, []*models.TrackingLog, error) {
	var sh *models.Shipment

	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var cached models.Shipment
			if json.Unmarshal(b, &cached) == nil {
				sh = &cached
			}
		}
	}

	if sh == nil {
		var err error
		sh, err = s.repo.GetShipmentByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		s.cachePut(ctx, sh)
	}

	logs, err := s.repo.ListTrackingLogs(ctx, id, logLimit, logOffset)
	if err != nil {
		return nil, nil, err
	}
	return sh, logs, nil
}

// Retry возвращает упавшее отправление в конвейер: error -> pending
// со сбросом счётчиков и новой create-задачей.
func (s *Service) Retry(ctx context.Context, id uint64, requestID string) (*models.Shipment, error) {
	sh, err := s.repo.GetShipmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sh.Status != models.StatusError {
		return nil, ErrRetryNotAllowed
	}

	if err := s.repo.MarkRetryPending(ctx, id); err != nil {
		if errors.Is(err, pgshipping.ErrStatusConflict) {
			return nil, ErrRetryNotAllowed
		}
		return nil, err
	}
	s.cacheDrop(ctx, id)

	if _, err := s.repo.EnqueueJob(ctx, queue.KindCreateShipment, sh.ShopID, sh.ID, 0, false, requestID); err != nil {
		return nil, err
	}
	return s.repo.GetShipmentByID(ctx, id)
}

// Void отменяет отправление. Отмена у перевозчика и на платформе —
// best-effort: наша строка уходит в cancelled в любом случае.
func (s *Service) Void(ctx context.Context, id uint64) (*models.Shipment, error) {
	sh, err := s.repo.GetShipmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanVoid(sh.Status) {
		return nil, ErrVoidNotAllowed
	}

	sp, err := s.repo.GetShopByID(ctx, sh.ShopID)
	if err != nil {
		return nil, err
	}

	if sh.EcoFreightAWB != nil {
		acct := ecofreight.Account{BaseURL: sp.EcoBaseURL, Username: sp.EcoUsername, Password: sp.EcoPassword}
		if token, terr := s.tokens.Token(ctx, sp.ID, acct); terr == nil {
			if cerr := s.eco.Cancel(ctx, acct, token, *sh.EcoFreightAWB); cerr != nil {
				slog.Warn("carrier cancel failed", "shipment_id", sh.ID, "awb", *sh.EcoFreightAWB, "error", cerr.Error())
			}
		}
	}

	if err := s.repo.MarkCancelled(ctx, id); err != nil {
		if errors.Is(err, pgshipping.ErrStatusConflict) {
			return nil, ErrVoidNotAllowed
		}
		return nil, err
	}
	s.cacheDrop(ctx, id)

	if sh.FulfillmentID != nil {
		facct := shopfront.Account{Domain: sp.Domain, AccessToken: sp.ShopfrontToken}
		if cerr := s.store.CancelFulfillment(ctx, facct, sh.OrderID, *sh.FulfillmentID); cerr != nil {
			slog.Warn("cancel fulfillment failed", "shipment_id", sh.ID, "error", cerr.Error())
		}
	}

	return s.repo.GetShipmentByID(ctx, id)
}

// Reship отменяет текущую строку (если ещё не отменена) и заводит новую
// попытку доставки того же заказа. Инвариант «один живой shipment на заказ»
// держит частичный индекс в БД.
func (s *Service) Reship(ctx context.Context, id uint64, requestID string) (*models.Shipment, error) {
	sh, err := s.repo.GetShipmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanReship(sh.Status, sh.StaleFlag) {
		return nil, ErrReshipNotAllowed
	}

	if sh.Status != models.StatusCancelled {
		if _, err := s.Void(ctx, id); err != nil && !errors.Is(err, ErrVoidNotAllowed) {
			return nil, err
		}
	}

	in := models.ShipmentCreateInput{
		ShopID:       sh.ShopID,
		OrderID:      sh.OrderID,
		OrderName:    sh.OrderName,
		ServiceClass: sh.ServiceClass,
		COD:          sh.COD,
		CODAmount:    sh.CODAmount,
	}
	if sh.OrderPayload != nil {
		in.OrderPayload = *sh.OrderPayload
	}

	fresh, err := s.repo.CreateShipment(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.EnqueueJob(ctx, queue.KindCreateShipment, fresh.ShopID, fresh.ID, 0, false, requestID); err != nil {
		return nil, err
	}

	slog.Info("shipment reshipped", "old_id", sh.ID, "new_id", fresh.ID, "order", sh.OrderName)
	return fresh, nil
}

// SyncNow ставит принудительный track_sync вне расписания.
func (s *Service) SyncNow(ctx context.Context, id uint64, requestID string) error {
	sh, err := s.repo.GetShipmentByID(ctx, id)
	if err != nil {
		return err
	}
	if sh.EcoFreightAWB == nil {
		return ErrNoAWB
	}
	_, err = s.repo.EnqueueJob(ctx, queue.KindTrackSync, sh.ShopID, sh.ID, 0, true, requestID)
	return err
}

func (s *Service) Metrics(ctx context.Context, shopID uint64) (*models.HealthMetrics, error) {
	return s.repo.Metrics(ctx, shopID)
}

// ApplyUpdatedEvent — обработка shipment.updated из kafka на стороне api:
// перечитываем строку из БД и освежаем кэш текущего состояния.
func (s *Service) ApplyUpdatedEvent(ctx context.Context, msg messages.ShipmentUpdated) error {
	if msg.ShipmentID == 0 {
		return errors.New("shipment_id is required")
	}
	sh, err := s.repo.GetShipmentByID(ctx, msg.ShipmentID)
	if errors.Is(err, pgshipping.ErrNotFound) {
		s.cacheDrop(ctx, msg.ShipmentID)
		return nil
	}
	if err != nil {
		return err
	}
	s.cachePut(ctx, sh)
	return nil
}
