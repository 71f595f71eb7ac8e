package pgshipping

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shopColumns = `
  id, domain, name, shopfront_token,
  eco_base_url, eco_username, eco_password,
  default_weight_kg, default_length_cm, default_width_cm, default_height_cm,
  poll_interval_minutes, stop_after_days, cod_fee, alert_emails,
  ship_from_name, ship_from_phone, ship_from_address1, ship_from_address2,
  ship_from_city, ship_from_country, ship_from_postal,
  created_at, updated_at`

func scanShop(row pgx.Row) (*models.Shop, error) {
	var sp models.Shop
	if err := row.Scan(
		&sp.ID, &sp.Domain, &sp.Name, &sp.ShopfrontToken,
		&sp.EcoBaseURL, &sp.EcoUsername, &sp.EcoPassword,
		&sp.DefaultWeightKg, &sp.DefaultLengthCm, &sp.DefaultWidthCm, &sp.DefaultHeightCm,
		&sp.PollIntervalMinutes, &sp.StopAfterDays, &sp.CODFee, &sp.AlertEmails,
		&sp.ShipFromName, &sp.ShipFromPhone, &sp.ShipFromAddress1, &sp.ShipFromAddress2,
		&sp.ShipFromCity, &sp.ShipFromCountry, &sp.ShipFromPostal,
		&sp.CreatedAt, &sp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *Storage) GetShopByID(ctx context.Context, id uint64) (*models.Shop, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shopColumns+` FROM shops WHERE id = $1`, id)
	sp, err := scanShop(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shop")
	}
	return sp, nil
}

func (s *Storage) GetShopByDomain(ctx context.Context, domain string) (*models.Shop, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shopColumns+` FROM shops WHERE domain = $1`, domain)
	sp, err := scanShop(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shop by domain")
	}
	return sp, nil
}

// UpsertShop создаёт или обновляет настройки тенанта по домену.
func (s *Storage) UpsertShop(ctx context.Context, sp *models.Shop) (*models.Shop, error) {
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, `
INSERT INTO shops (
  domain, name, shopfront_token,
  eco_base_url, eco_username, eco_password,
  default_weight_kg, default_length_cm, default_width_cm, default_height_cm,
  poll_interval_minutes, stop_after_days, cod_fee, alert_emails,
  ship_from_name, ship_from_phone, ship_from_address1, ship_from_address2,
  ship_from_city, ship_from_country, ship_from_postal,
  created_at, updated_at
)
VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,
  $15,$16,$17,$18,$19,$20,$21,$22,$22
)
ON CONFLICT (domain) DO UPDATE SET
  name = EXCLUDED.name,
  shopfront_token = EXCLUDED.shopfront_token,
  eco_base_url = EXCLUDED.eco_base_url,
  eco_username = EXCLUDED.eco_username,
  eco_password = EXCLUDED.eco_password,
  default_weight_kg = EXCLUDED.default_weight_kg,
  default_length_cm = EXCLUDED.default_length_cm,
  default_width_cm = EXCLUDED.default_width_cm,
  default_height_cm = EXCLUDED.default_height_cm,
  poll_interval_minutes = EXCLUDED.poll_interval_minutes,
  stop_after_days = EXCLUDED.stop_after_days,
  cod_fee = EXCLUDED.cod_fee,
  alert_emails = EXCLUDED.alert_emails,
  ship_from_name = EXCLUDED.ship_from_name,
  ship_from_phone = EXCLUDED.ship_from_phone,
  ship_from_address1 = EXCLUDED.ship_from_address1,
  ship_from_address2 = EXCLUDED.ship_from_address2,
  ship_from_city = EXCLUDED.ship_from_city,
  ship_from_country = EXCLUDED.ship_from_country,
  ship_from_postal = EXCLUDED.ship_from_postal,
  updated_at = now()
RETURNING`+shopColumns,
		sp.Domain, sp.Name, sp.ShopfrontToken,
		sp.EcoBaseURL, sp.EcoUsername, sp.EcoPassword,
		sp.DefaultWeightKg, sp.DefaultLengthCm, sp.DefaultWidthCm, sp.DefaultHeightCm,
		sp.PollIntervalMinutes, sp.StopAfterDays, sp.CODFee, sp.AlertEmails,
		sp.ShipFromName, sp.ShipFromPhone, sp.ShipFromAddress1, sp.ShipFromAddress2,
		sp.ShipFromCity, sp.ShipFromCountry, sp.ShipFromPostal, now)

	out, err := scanShop(row)
	if err != nil {
		return nil, errors.Wrap(err, "upsert shop")
	}
	return out, nil
}
