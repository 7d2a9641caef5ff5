package port

import (
	"context"

	"coinfeed/internal/domain"
)

// PriceFeed 按币种订阅实时价格
type PriceFeed interface {
	Name() string
	// Watch 返回该币种的价格流，ctx 结束后关闭；币种 id 无法解析时同步返回错误
	Watch(ctx context.Context, coin domain.CoinID) (<-chan domain.PriceUpdate, error)
}
