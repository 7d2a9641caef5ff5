package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
CREATE TABLE IF NOT EXISTS coin_ids (
  symbol TEXT PRIMARY KEY,
  numeric_id INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prices (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  coin TEXT NOT NULL,
  source TEXT NOT NULL,
  currency TEXT NOT NULL,
  price REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(coin, source, currency)
);
CREATE INDEX IF NOT EXISTS idx_prices_ts ON prices(ts_ms);

CREATE TABLE IF NOT EXISTS price_updates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  coin TEXT NOT NULL,
  numeric_id INTEGER NOT NULL,
  percent_change REAL,
  rates TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_updates_coin ON price_updates(coin);
CREATE INDEX IF NOT EXISTS idx_price_updates_ts ON price_updates(ts_ms);

CREATE TABLE IF NOT EXISTS snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prices(coin, source, currency, price, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(coin, source, currency) DO UPDATE SET
		price=excluded.price, ts_ms=excluded.ts_ms
	`, coin.Symbol, coin.Source, currency, price, ts, ts)
	return err
}

// LatestPrice 读取币种最新价格
func (r *Repo) LatestPrice(ctx context.Context, coin domain.CoinID, currency string) (price float64, ts int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT price, ts_ms FROM prices WHERE coin=? AND source=? AND currency=?`,
		coin.Symbol, coin.Source, currency).Scan(&price, &ts)
	return
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
	_, err = r.db.ExecContext(ctx, `INSERT INTO price_updates(coin, numeric_id, percent_change, rates, ts_ms) VALUES(?, ?, ?, ?, ?)`,
		u.Coin.Symbol, u.NumericID, pct, string(rates), u.At.UnixMilli())
	return err
}

// CountPriceUpdates 某币种的历史更新条数
func (r *Repo) CountPriceUpdates(ctx context.Context, coin domain.CoinID) (n int, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_updates WHERE coin=?`, coin.Symbol).Scan(&n)
	return
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots(ts_ms, payload, created_at) VALUES(?, ?, ?)`, ts, payload, ts)
	return err
}

func (r *Repo) LoadCoinIDs(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, numeric_id FROM coin_ids WHERE numeric_id > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]int)
	for rows.Next() {
		var symbol string
		var n int
		if err := rows.Scan(&symbol, &n); err != nil {
			return nil, err
		}
		ids[symbol] = n
	}
	return ids, rows.Err()
}

func (r *Repo) SaveCoinIDs(ctx context.Context, ids map[string]int) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO coin_ids(symbol, numeric_id, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET numeric_id=excluded.numeric_id, updated_at=excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for symbol, n := range ids {
		if n <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, symbol, n, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var (
	_ port.Repository  = (*Repo)(nil)
	_ port.CoinIDStore = (*Repo)(nil)
)
