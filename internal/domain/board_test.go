package domain

import "testing"

func pct(v float64) *float64 { return &v }

func TestBoardApply(t *testing.T) {
	eth := NewCoinID("Ethereum", "CoinGecko")
	board := NewBoard([]CoinID{eth, eth, BaseAsset}, "USD")

	if len(board.Coins()) != 2 {
		t.Fatalf("expected 2 coins, got %d", len(board.Coins()))
	}

	if !board.Apply(PriceUpdate{Coin: eth, Prices: map[string]float64{"usd": 3000}}) {
		t.Errorf("first price should change the board")
	}
	if board.Apply(PriceUpdate{Coin: eth, Prices: map[string]float64{"usd": 3000}}) {
		t.Errorf("same price should not change the board")
	}
	if !board.Apply(PriceUpdate{Coin: eth, Prices: map[string]float64{"usd": 2900}, PercentChange: pct(-1.5)}) {
		t.Errorf("lower price should change the board")
	}

	st := board.Snapshot()[eth]
	if st.Price.Direction != DirectionDown || st.Price.Number != 2900 {
		t.Errorf("unexpected state %+v", st.Price)
	}
	if !st.HasPercent || st.PercentChange != -1.5 {
		t.Errorf("unexpected percent %+v", st)
	}

	unknown := NewCoinID("doge", SourceCoinGecko)
	if board.Apply(PriceUpdate{Coin: unknown, Prices: map[string]float64{"usd": 1}}) {
		t.Errorf("unknown coin should be ignored")
	}
}

func TestBoardAddRemove(t *testing.T) {
	eth := NewCoinID("ethereum", SourceCoinGecko)
	doge := NewCoinID("dogecoin", SourceCoinGecko)
	board := NewBoard([]CoinID{eth, BaseAsset}, "usd")

	if !board.Add(doge) || board.Add(doge) {
		t.Fatal("expected dogecoin to be added once")
	}
	if !board.Remove(eth) || board.Remove(eth) {
		t.Fatal("expected ethereum to be removed once")
	}
	coins := board.Coins()
	if len(coins) != 2 || coins[0] != BaseAsset || coins[1] != doge {
		t.Errorf("unexpected order %v", coins)
	}
	if board.Apply(PriceUpdate{Coin: eth, Prices: map[string]float64{"usd": 1}}) {
		t.Error("removed coin should be ignored")
	}
}

func TestCoinID(t *testing.T) {
	if !NewCoinID(" Bitcoin ", "coingecko").IsBaseAsset() {
		t.Errorf("expected base asset")
	}
	if got := NewCoinID("ethereum", "coingecko").String(); got != "CoinId(id=ethereum, source=coingecko)" {
		t.Errorf("unexpected %s", got)
	}
}
