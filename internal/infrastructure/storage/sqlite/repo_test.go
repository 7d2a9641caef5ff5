package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"coinfeed/internal/domain"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "coinfeed.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepoUpsertPrice(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	eth := domain.NewCoinID("ethereum", domain.SourceCoinGecko)

	if err := repo.UpsertLatestPrice(ctx, eth, "usd", 3000.5, 1234567890); err != nil {
		t.Fatalf("UpsertLatestPrice failed: %v", err)
	}
	if err := repo.UpsertLatestPrice(ctx, eth, "usd", 3012.25, 1234567999); err != nil {
		t.Fatalf("UpsertLatestPrice failed: %v", err)
	}

	price, ts, err := repo.LatestPrice(ctx, eth, "usd")
	if err != nil {
		t.Fatalf("LatestPrice failed: %v", err)
	}
	if price != 3012.25 || ts != 1234567999 {
		t.Errorf("expected latest 3012.25@1234567999, got %v@%v", price, ts)
	}
}

func TestSQLiteRepoInsertPriceUpdate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	eth := domain.NewCoinID("ethereum", domain.SourceCoinGecko)
	pct := -1.25

	updates := []domain.PriceUpdate{
		{Coin: eth, NumericID: 279, PercentChange: &pct, Prices: map[string]float64{"usd": 3012.5}, At: time.UnixMilli(1)},
		{Coin: eth, NumericID: 279, Prices: map[string]float64{"usd": 3013}, At: time.UnixMilli(2)},
	}
	for _, u := range updates {
		if err := repo.InsertPriceUpdate(ctx, u); err != nil {
			t.Fatalf("InsertPriceUpdate failed: %v", err)
		}
	}

	n, err := repo.CountPriceUpdates(ctx, eth)
	if err != nil {
		t.Fatalf("CountPriceUpdates failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 updates, got %d", n)
	}
}

func TestSQLiteRepoCoinIDs(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if err := repo.SaveCoinIDs(ctx, map[string]int{"ethereum": 279, "tether": 325, "broken": 0}); err != nil {
		t.Fatalf("SaveCoinIDs failed: %v", err)
	}
	if err := repo.SaveCoinIDs(ctx, map[string]int{"tether": 326}); err != nil {
		t.Fatalf("SaveCoinIDs failed: %v", err)
	}

	ids, err := repo.LoadCoinIDs(ctx)
	if err != nil {
		t.Fatalf("LoadCoinIDs failed: %v", err)
	}
	if len(ids) != 2 || ids["ethereum"] != 279 || ids["tether"] != 326 {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestSQLiteRepoInsertSnapshot(t *testing.T) {
	repo := newRepo(t)

	payload := `[COINFEED] ethereum 3012.50`
	if err := repo.InsertSnapshot(context.Background(), 1234567890, payload); err != nil {
		t.Fatalf("InsertSnapshot failed: %v", err)
	}
}
