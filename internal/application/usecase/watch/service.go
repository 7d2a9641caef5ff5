package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

var (
	ErrNoFeed     = errors.New("no price feed")
	ErrNoCoins    = errors.New("no coins configured")
	ErrNoWatches  = errors.New("no coin could be watched")
	ErrNotRunning = errors.New("watch service not running")
)

type ServiceDeps struct {
	Feed          port.PriceFeed
	Coins         []domain.CoinID
	Currency      string
	PrintEveryMin int
	Color         bool
	Sink          port.Sink
	Repo          port.Repository
}

type Service struct {
	deps   ServiceDeps
	board  *domain.Board
	fmt    *Formatter
	merged chan domain.PriceUpdate

	mu      sync.Mutex
	runCtx  context.Context
	cancels map[domain.CoinID]context.CancelFunc
}

func NewService(deps ServiceDeps) *Service {
	if deps.Currency == "" {
		deps.Currency = "usd"
	}
	if deps.PrintEveryMin <= 0 {
		deps.PrintEveryMin = 1
	}
	return &Service{
		deps:    deps,
		board:   domain.NewBoard(deps.Coins, deps.Currency),
		fmt:     NewFormatter(deps.Color),
		merged:  make(chan domain.PriceUpdate, 1024),
		cancels: make(map[domain.CoinID]context.CancelFunc),
	}
}

// Board 当前看板
func (s *Service) Board() *domain.Board { return s.board }

func (s *Service) Run(ctx context.Context) error {
	if s.deps.Feed == nil {
		return ErrNoFeed
	}
	coins := s.board.Coins()
	if len(coins) == 0 {
		return ErrNoCoins
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.runCtx = nil
		s.mu.Unlock()
	}()

	// start watches
	watched := 0
	for _, c := range coins {
		if err := s.watch(ctx, c); err != nil {
			log.Error().Str("coin", c.Symbol).Err(err).Msg("watch failed")
			continue
		}
		watched++
	}
	if watched == 0 {
		return ErrNoWatches
	}
	log.Info().Str("feed", s.deps.Feed.Name()).Int("coins", watched).Msg("feed started")

	// snapshot ticker
	snapTicker := time.NewTicker(time.Duration(s.deps.PrintEveryMin) * time.Minute)
	defer snapTicker.Stop()

	// initial live line
	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.board, RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case now := <-snapTicker.C:
			line := s.fmt.Render(s.board, RenderSnapshot)
			_ = s.deps.Sink.WriteSnapshot(now, line)
			if s.deps.Repo != nil {
				if err := s.deps.Repo.InsertSnapshot(ctx, now.UnixMilli(), line); err != nil {
					log.Warn().Err(err).Msg("persist snapshot failed")
				}
			}

		case u := <-s.merged:
			if s.board.Apply(u) {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(s.board, RenderLive))
			}
			s.persist(ctx, u)
		}
	}
}

// Unwatch 停止跟踪某币种并从看板移除；多路复用器会在下一次同步时取消订阅
func (s *Service) Unwatch(coin domain.CoinID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[coin]
	delete(s.cancels, coin)
	s.mu.Unlock()
	s.board.Remove(coin)
	if ok {
		cancel()
		log.Info().Str("coin", coin.Symbol).Msg("coin unwatched")
	}
	return ok
}

// SetCoins 把跟踪列表调整为 coins：移除多余的币种，开始跟踪新增的币种
func (s *Service) SetCoins(coins []domain.CoinID) (added, removed int, err error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return 0, 0, ErrNotRunning
	}

	want := make(map[domain.CoinID]struct{}, len(coins))
	for _, c := range coins {
		want[c] = struct{}{}
	}
	for _, c := range s.board.Coins() {
		if _, ok := want[c]; !ok {
			s.Unwatch(c)
			removed++
		}
	}
	for _, c := range coins {
		if !s.board.Add(c) {
			continue
		}
		if err := s.watch(ctx, c); err != nil {
			s.board.Remove(c)
			log.Error().Str("coin", c.Symbol).Err(err).Msg("watch failed")
			continue
		}
		added++
	}
	if added > 0 || removed > 0 {
		_ = s.deps.Sink.WriteLive(s.fmt.Render(s.board, RenderLive))
	}
	return added, removed, nil
}

// Watching 正在跟踪的币种数量
func (s *Service) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

func (s *Service) watch(ctx context.Context, coin domain.CoinID) error {
	wctx, cancel := context.WithCancel(ctx)
	ch, err := s.deps.Feed.Watch(wctx, coin)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancels[coin] = cancel
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-wctx.Done():
				return
			case u, ok := <-ch:
				if !ok {
					return
				}
				select {
				case s.merged <- u:
				case <-wctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (s *Service) persist(ctx context.Context, u domain.PriceUpdate) {
	if s.deps.Repo == nil {
		return
	}
	ts := u.At.UnixMilli()
	if px, ok := u.Prices[s.board.Currency()]; ok && px > 0 {
		if err := s.deps.Repo.UpsertLatestPrice(ctx, u.Coin, s.board.Currency(), px, ts); err != nil {
			log.Warn().Str("coin", u.Coin.Symbol).Err(err).Msg("persist latest price failed")
		}
	}
	if err := s.deps.Repo.InsertPriceUpdate(ctx, u); err != nil {
		log.Warn().Str("coin", u.Coin.Symbol).Err(err).Msg("persist price update failed")
	}
}
