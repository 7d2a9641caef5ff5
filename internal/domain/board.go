package domain

import (
	"strings"
	"sync"
)

// CoinState 单个币种在某一计价货币下的状态
type CoinState struct {
	Price         PriceState
	PercentChange float64
	HasPercent    bool
}

// Board 按配置顺序跟踪多个币种的最新价格
type Board struct {
	mu       sync.RWMutex
	order    []CoinID
	coins    map[CoinID]*CoinState
	currency string
}

// NewBoard creates a new Board instance tracking prices in the given currency
func NewBoard(coins []CoinID, currency string) *Board {
	order := make([]CoinID, 0, len(coins))
	states := make(map[CoinID]*CoinState, len(coins))
	for _, c := range coins {
		if c.Symbol == "" {
			continue
		}
		if _, ok := states[c]; ok {
			continue
		}
		order = append(order, c)
		states[c] = &CoinState{}
	}
	return &Board{
		order:    order,
		coins:    states,
		currency: strings.ToLower(strings.TrimSpace(currency)),
	}
}

// Currency 看板使用的计价货币
func (b *Board) Currency() string { return b.currency }

// Coins 按配置顺序返回币种
func (b *Board) Coins() []CoinID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CoinID, len(b.order))
	copy(out, b.order)
	return out
}

// Add 追加一个币种，已存在时返回 false
func (b *Board) Add(c CoinID) bool {
	if c.Symbol == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.coins[c]; ok {
		return false
	}
	b.order = append(b.order, c)
	b.coins[c] = &CoinState{}
	return true
}

// Remove 移除一个币种及其状态
func (b *Board) Remove(c CoinID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.coins[c]; !ok {
		return false
	}
	delete(b.coins, c)
	for i, o := range b.order {
		if o == c {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Apply 应用一条价格更新，返回看板是否变化
func (b *Board) Apply(u PriceUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.coins[u.Coin]
	if st == nil {
		return false
	}

	changed := false
	if px, ok := u.Prices[b.currency]; ok && px > 0 {
		changed = st.Price.Update(px)
	}
	if u.PercentChange != nil && (!st.HasPercent || st.PercentChange != *u.PercentChange) {
		st.PercentChange = *u.PercentChange
		st.HasPercent = true
		changed = true
	}
	return changed
}

// Snapshot 返回所有币种状态的副本
func (b *Board) Snapshot() map[CoinID]CoinState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[CoinID]CoinState, len(b.coins))
	for k, v := range b.coins {
		out[k] = *v
	}
	return out
}
