package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/cable"
)

// Subscriber 多路复用器对调用方暴露的接口
type Subscriber interface {
	Subscribe(coin domain.CoinID, l cable.Listener) error
	Refresh() error
}

// CableFeed 把 cable 消息转换为按币种的价格流
type CableFeed struct {
	mux      Subscriber
	resolver cable.IDResolver
	buffer   int
	now      func() time.Time
}

// NewCableFeed 创建价格源；buffer 为每个币种输出通道的容量，满时丢弃新消息
func NewCableFeed(mux Subscriber, resolver cable.IDResolver, buffer int) *CableFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &CableFeed{mux: mux, resolver: resolver, buffer: buffer, now: time.Now}
}

func (f *CableFeed) Name() string { return "coingecko-cable" }

func (f *CableFeed) Watch(ctx context.Context, coin domain.CoinID) (<-chan domain.PriceUpdate, error) {
	// base asset prices ride on the control channel
	want := cable.ControlIdentifier
	if !coin.IsBaseAsset() {
		n, err := f.resolver.Resolve(ctx, coin)
		if err != nil {
			return nil, err
		}
		want = cable.PriceIdentifier(n)
	}

	out := make(chan domain.PriceUpdate, f.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	emit := func(u domain.PriceUpdate) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- u:
		default:
			log.Debug().Str("coin", coin.Symbol).Msg("price consumer lagging, update dropped")
		}
	}
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(out)
		}
	}

	l := cable.NewListener(func(l *cable.FuncListener, msg cable.Message) {
		if ctx.Err() != nil {
			l.Deactivate()
			return
		}
		if msg.Identifier == nil || *msg.Identifier != want {
			return
		}
		p, ok := msg.Payload.(*cable.PricePayload)
		if !ok {
			return
		}
		emit(toUpdate(coin, want.NumericID, p, f.now()))
	})
	if err := f.mux.Subscribe(coin, l); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		l.Deactivate()
		_ = f.mux.Refresh()
		stop()
	}()
	return out, nil
}

func toUpdate(coin domain.CoinID, numericID int, p *cable.PricePayload, at time.Time) domain.PriceUpdate {
	if numericID == 0 && p.CoinID != nil {
		numericID = *p.CoinID
	}
	prices := make(map[string]float64, len(p.Rates))
	for k, v := range p.Rates {
		prices[k] = v
	}
	u := domain.PriceUpdate{
		Coin:      coin,
		NumericID: numericID,
		Prices:    prices,
		At:        at,
	}
	if p.Percent != nil {
		pct := *p.Percent
		u.PercentChange = &pct
	}
	return u
}

var _ port.PriceFeed = (*CableFeed)(nil)
