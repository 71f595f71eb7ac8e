package models

import "fmt"

// ValidationError — блокирующая ошибка данных: такие не ретраятся,
// попытка сразу завершается статусом error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidateShipFrom checks that the shop's origin address is complete enough
// for an EcoFreight pickup. Missing fields block shipment creation outright.
func ValidateShipFrom(shop *Shop) error {
	switch {
	case shop.ShipFromName == "":
		return Invalid("ship_from_name", "is required")
	case shop.ShipFromPhone == "":
		return Invalid("ship_from_phone", "is required")
	case shop.ShipFromAddress1 == "":
		return Invalid("ship_from_address1", "is required")
	case shop.ShipFromCity == "":
		return Invalid("ship_from_city", "is required")
	case shop.ShipFromCountry == "":
		return Invalid("ship_from_country", "is required")
	}
	return nil
}
