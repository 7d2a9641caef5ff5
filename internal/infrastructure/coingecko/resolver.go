package coingecko

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/metrics"
)

var (
	// ErrResolution 币种 id 解析失败
	ErrResolution = errors.New("coin id resolution failed")
	// ErrUnsupportedSource 币种来源不是 coingecko
	ErrUnsupportedSource = errors.New("unsupported coin source")
)

// ResolutionError 携带失败的币种与原因
type ResolutionError struct {
	Coin domain.CoinID
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Coin, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// ImageProvider 查询币种大图地址
type ImageProvider interface {
	LargeImage(ctx context.Context, id string) (string, error)
}

var idPattern = regexp.MustCompile(`images/(\d+)/`)

// ExtractID 从图片地址中提取数字 id
func ExtractID(image string) (int, error) {
	m := idPattern.FindStringSubmatch(image)
	if m == nil {
		return 0, fmt.Errorf("no numeric id in %q", image)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid numeric id %d in %q", n, image)
	}
	return n, nil
}

// Resolver 币种到价格频道 id 的解析器，只接受来源为 coingecko 的币种
// 同一币种的并发请求合并为一次网络调用；缓存按完整 CoinID 存放，只增不删
type Resolver struct {
	images ImageProvider

	mu    sync.RWMutex
	cache map[domain.CoinID]int
	group singleflight.Group

	// OnResolved 网络解析成功后回调，用于持久化
	OnResolved func(symbol string, id int)
}

// NewResolver 创建解析器
func NewResolver(images ImageProvider) *Resolver {
	return &Resolver{images: images, cache: map[domain.CoinID]int{}}
}

// Resolve 返回币种的数字 id；失败时返回 *ResolutionError
func (r *Resolver) Resolve(ctx context.Context, coin domain.CoinID) (int, error) {
	if coin.Source != domain.SourceCoinGecko {
		return 0, &ResolutionError{Coin: coin, Err: ErrUnsupportedSource}
	}
	if n, ok := r.cached(coin); ok {
		metrics.ResolverLookups.WithLabelValues("cache").Inc()
		return n, nil
	}

	// the shared lookup must outlive any single caller's cancellation
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(coin.String(), func() (any, error) {
		if n, ok := r.cached(coin); ok {
			return n, nil
		}
		metrics.ResolverLookups.WithLabelValues("network").Inc()
		image, err := r.images.LargeImage(lookupCtx, coin.Symbol)
		if err != nil {
			return 0, err
		}
		n, err := ExtractID(image)
		if err != nil {
			return 0, err
		}

		r.mu.Lock()
		r.cache[coin] = n
		r.mu.Unlock()

		log.Debug().Str("coin", coin.Symbol).Int("id", n).Msg("coin id resolved")
		if r.OnResolved != nil {
			r.OnResolved(coin.Symbol, n)
		}
		return n, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, &ResolutionError{Coin: coin, Err: res.Err}
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, &ResolutionError{Coin: coin, Err: ctx.Err()}
	}
}

// Populate 用可信的批量数据（coingecko id → 数字 id）预填缓存；已缓存的值不会被覆盖
func (r *Resolver) Populate(ids map[string]int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for symbol, n := range ids {
		if n <= 0 {
			continue
		}
		key := domain.NewCoinID(symbol, domain.SourceCoinGecko)
		if _, ok := r.cache[key]; ok {
			continue
		}
		r.cache[key] = n
		added++
	}
	return added
}

// Len 已缓存的币种数量
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) cached(key domain.CoinID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.cache[key]
	return n, ok
}
