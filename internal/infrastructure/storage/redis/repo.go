package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

type Repo struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyLatest   string // prefix + ":latest"
	keySnapshot string // prefix + ":snapshots"
	updateChan  string
}

type LatestPrice struct {
	Coin     string  `json:"coin"`
	Source   string  `json:"source"`
	Currency string  `json:"currency"`
	Price    float64 `json:"price"`
	Ts       int64   `json:"ts"`
}

// UpdateMessage 每条价格更新在 PubSub 上的格式
type UpdateMessage struct {
	Coin          string             `json:"coin"`
	NumericID     int                `json:"numeric_id"`
	PercentChange *float64           `json:"percent_change,omitempty"`
	Rates         map[string]float64 `json:"rates"`
	TsMs          int64              `json:"ts_ms"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, updateChan string) *Repo {
	if strings.TrimSpace(updateChan) == "" {
		updateChan = prefix + ":updates"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyLatest:   prefix + ":latest",
		keySnapshot: prefix + ":snapshots",
		updateChan:  updateChan,
	}
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error {
	if price <= 0 {
		return nil
	}
	lp := LatestPrice{Coin: coin.Symbol, Source: coin.Source, Currency: currency, Price: price, Ts: ts}
	b, _ := json.Marshal(lp)

	// Hash: field = "coingecko:ethereum:usd" -> json
	field := fmt.Sprintf("%s:%s:%s", coin.Source, coin.Symbol, currency)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) InsertPriceUpdate(ctx context.Context, u domain.PriceUpdate) error {
	msg := UpdateMessage{
		Coin:          u.Coin.Symbol,
		NumericID:     u.NumericID,
		PercentChange: u.PercentChange,
		Rates:         u.Prices,
		TsMs:          u.At.UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.updateChan, string(b)).Err()
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	// keep the most recent 1000 snapshot lines
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, r.keySnapshot, fmt.Sprintf(`{"ts_ms":%d,"payload":%q}`, ts, payload))
	pipe.LTrim(ctx, r.keySnapshot, 0, 999)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) Close() error { return r.rdb.Close() }

var _ port.Repository = (*Repo)(nil)
