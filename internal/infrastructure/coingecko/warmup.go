package coingecko

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// MarketLister 分页列出市场币种
type MarketLister interface {
	CoinMarkets(ctx context.Context, vsCurrency string, perPage, page int) ([]MarketCoin, error)
}

// Prefetch 逐页拉取 coins/markets，返回可从图片地址中解析出数字 id 的币种
// 某一页失败时返回已拉取的部分与错误
func Prefetch(ctx context.Context, markets MarketLister, vsCurrency string, pages, perPage int) (map[string]int, error) {
	ids := make(map[string]int, pages*perPage)
	for page := 1; page <= pages; page++ {
		coins, err := markets.CoinMarkets(ctx, vsCurrency, perPage, page)
		if err != nil {
			return ids, fmt.Errorf("coins/markets page %d: %w", page, err)
		}
		for _, c := range coins {
			n, err := ExtractID(c.Image)
			if err != nil {
				log.Debug().Str("coin", c.ID).Err(err).Msg("skip market coin without numeric id")
				continue
			}
			ids[c.ID] = n
		}
		if len(coins) < perPage {
			break
		}
	}
	return ids, nil
}
