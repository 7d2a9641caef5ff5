package storage

import (
	"context"
	"sync"
	"time"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

// LatestPrice 最新价格记录
type LatestPrice struct {
	Price float64
	Ts    int64
}

type latestKey struct {
	coin     domain.CoinID
	currency string
}

// InMemory 进程内仓储：未启用任何外部存储时使用，也用于测试
// 历史更新只保留最近 historyLimit 条
type InMemory struct {
	mu           sync.RWMutex
	latest       map[latestKey]LatestPrice
	history      []domain.PriceUpdate
	historyLimit int
	snapshots    []string
	coinIDs      map[string]int
}

// NewInMemory creates a new in-memory repository
func NewInMemory(historyLimit int) *InMemory {
	if historyLimit <= 0 {
		historyLimit = 1024
	}
	return &InMemory{
		latest:       make(map[latestKey]LatestPrice),
		historyLimit: historyLimit,
		coinIDs:      make(map[string]int),
	}
}

func (r *InMemory) UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[latestKey{coin, currency}] = LatestPrice{Price: price, Ts: ts}
	return nil
}

func (r *InMemory) InsertPriceUpdate(ctx context.Context, u domain.PriceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, u)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
	return nil
}

func (r *InMemory) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, payload)
	return nil
}

func (r *InMemory) LoadCoinIDs(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.coinIDs))
	for k, v := range r.coinIDs {
		out[k] = v
	}
	return out, nil
}

func (r *InMemory) SaveCoinIDs(ctx context.Context, ids map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range ids {
		if v > 0 {
			r.coinIDs[k] = v
		}
	}
	return nil
}

// Latest 最新价格
func (r *InMemory) Latest(coin domain.CoinID, currency string) (LatestPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.latest[latestKey{coin, currency}]
	return lp, ok
}

// History 返回 start 之后某币种的历史更新
func (r *InMemory) History(coin domain.CoinID, start time.Time) []domain.PriceUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PriceUpdate
	for _, u := range r.history {
		if u.Coin == coin && !u.At.Before(start) {
			out = append(out, u)
		}
	}
	return out
}

// Snapshots 已保存的快照行
func (r *InMemory) Snapshots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.snapshots...)
}

func (r *InMemory) Close() error { return nil }

var (
	_ port.Repository  = (*InMemory)(nil)
	_ port.CoinIDStore = (*InMemory)(nil)
)
