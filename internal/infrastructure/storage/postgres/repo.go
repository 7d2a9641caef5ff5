package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/jackc/pgx/v5/stdlib"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_prices (
  coin TEXT NOT NULL,
  source TEXT NOT NULL,
  currency TEXT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  PRIMARY KEY (coin, source, currency)
);

CREATE TABLE IF NOT EXISTS price_updates (
  id BIGSERIAL PRIMARY KEY,
  coin TEXT NOT NULL,
  numeric_id INTEGER NOT NULL,
  percent_change DOUBLE PRECISION,
  rates JSONB NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_updates_coin_ts ON price_updates(coin, ts_ms);

CREATE TABLE IF NOT EXISTS snapshots (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_prices(coin, source, currency, price, ts_ms) VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (coin, source, currency) DO UPDATE SET price = EXCLUDED.price, ts_ms = EXCLUDED.ts_ms
	`, coin.Symbol, coin.Source, currency, price, ts)
	return err
}

func (r *Repo) InsertPriceUpdate(ctx context.Context, u domain.PriceUpdate) error {
	rates, err := json.Marshal(u.Prices)
	if err != nil {
		return err
	}
	var pct sql.NullFloat64
	if u.PercentChange != nil {
		pct = sql.NullFloat64{Float64: *u.PercentChange, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO price_updates(coin, numeric_id, percent_change, rates, ts_ms) VALUES($1, $2, $3, $4, $5)`,
		u.Coin.Symbol, u.NumericID, pct, string(rates), u.At.UnixMilli())
	return err
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots(ts_ms, payload) VALUES($1, $2)`, ts, payload)
	return err
}

var _ port.Repository = (*Repo)(nil)
