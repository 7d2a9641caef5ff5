package domain

import "time"

// Direction represents the price movement direction
type Direction int

const (
	DirectionSame Direction = 0
	DirectionUp   Direction = +1
	DirectionDown Direction = -1
)

// PriceUpdate 一条已解码的币种价格更新
type PriceUpdate struct {
	Coin          CoinID
	NumericID     int
	PercentChange *float64           // 24h 涨跌幅，可能缺失
	Prices        map[string]float64 // currency -> price
	At            time.Time
}

// PriceState holds the state of a single price point
type PriceState struct {
	Number    float64
	HasValue  bool
	Direction Direction
}

// Update updates the price state with a new price value, returns whether it changed
func (ps *PriceState) Update(n float64) bool {
	if !ps.HasValue {
		ps.HasValue = true
		ps.Number = n
		ps.Direction = DirectionSame
		return true
	}

	prev := ps.Number
	switch {
	case n > prev:
		ps.Direction = DirectionUp
	case n < prev:
		ps.Direction = DirectionDown
	default:
		ps.Direction = DirectionSame
		return false
	}
	ps.Number = n
	return true
}
