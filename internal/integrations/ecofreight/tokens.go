package ecofreight

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ShipBridge/internal/cache"
)

// TokenSource кэширует bearer-токены EcoFreight per-shop. Обновление токена
// идемпотентно, гонка между воркерами безопасна: побеждает последняя запись.
type TokenSource struct {
	client     Client
	cache      cache.BytesCache
	defaultTTL time.Duration
}

func NewTokenSource(client Client, c cache.BytesCache, defaultTTL time.Duration) *TokenSource {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &TokenSource{client: client, cache: c, defaultTTL: defaultTTL}
}

func tokenKey(shopID uint64) string {
	return fmt.Sprintf("shop:%d:ecofreight:token", shopID)
}

// Token возвращает закэшированный токен или аутентифицируется заново.
func (ts *TokenSource) Token(ctx context.Context, shopID uint64, acct Account) (string, error) {
	if ts.cache != nil {
		if b, ok, err := ts.cache.Get(ctx, tokenKey(shopID)); err == nil && ok && len(b) > 0 {
			return string(b), nil
		}
	}
	return ts.Refresh(ctx, shopID, acct)
}

// Refresh всегда ходит за новым токеном (используется после 401).
func (ts *TokenSource) Refresh(ctx context.Context, shopID uint64, acct Account) (string, error) {
	res, err := ts.client.Authenticate(ctx, acct)
	if err != nil {
		return "", err
	}
	ttl := res.ExpiresIn
	if ttl <= 0 {
		ttl = ts.defaultTTL
	}
	if ts.cache != nil {
		// Кэш best-effort: не смогли записать — просто поработаем без него.
		_ = ts.cache.Set(ctx, tokenKey(shopID), []byte(res.Token), ttl)
	}
	return res.Token, nil
}

// Invalidate сбрасывает кэш (токен протух раньше TTL).
func (ts *TokenSource) Invalidate(ctx context.Context, shopID uint64) {
	if ts.cache != nil {
		_ = ts.cache.Del(ctx, tokenKey(shopID))
	}
}
