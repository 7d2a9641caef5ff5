package port

import (
	"context"

	"coinfeed/internal/domain"
)

type Repository interface {
	// Price operations
	UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error
	InsertPriceUpdate(ctx context.Context, u domain.PriceUpdate) error

	// Snapshot operations
	InsertSnapshot(ctx context.Context, ts int64, payload string) error
}

// CoinIDStore 持久化币种到价格频道数字 id 的映射
type CoinIDStore interface {
	LoadCoinIDs(ctx context.Context) (map[string]int, error)
	SaveCoinIDs(ctx context.Context, ids map[string]int) error
}
