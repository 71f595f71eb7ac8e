package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Заголовки вебхуков Shopfront.
const (
	HeaderSignature  = "X-Shopfront-Hmac-Sha256"
	HeaderShopDomain = "X-Shopfront-Shop-Domain"
)

// VerifySignature сверяет подпись сырого тела: base64(HMAC-SHA256(secret, body)).
// Пустой секрет или пустой заголовок — сразу отказ, без вычислений.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign считает подпись так же, как платформа. Используется в тестах
// и в ручной отладке вебхуков.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
