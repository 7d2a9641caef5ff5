package domain

import (
	"fmt"
	"strings"
)

// SourceCoinGecko 币种标识来源
const SourceCoinGecko = "coingecko"

// CoinID 币种标识 (symbol, source)，值相等即同一币种
type CoinID struct {
	Symbol string
	Source string
}

// NewCoinID 规范化 symbol 后构造 CoinID
func NewCoinID(symbol, source string) CoinID {
	return CoinID{
		Symbol: strings.ToLower(strings.TrimSpace(symbol)),
		Source: strings.ToLower(strings.TrimSpace(source)),
	}
}

// BaseAsset 网络基础资产，价格随控制频道下发，不单独订阅
var BaseAsset = CoinID{Symbol: "bitcoin", Source: SourceCoinGecko}

// IsBaseAsset 是否为基础资产
func (c CoinID) IsBaseAsset() bool { return c == BaseAsset }

func (c CoinID) String() string {
	return fmt.Sprintf("CoinId(id=%s, source=%s)", c.Symbol, c.Source)
}
