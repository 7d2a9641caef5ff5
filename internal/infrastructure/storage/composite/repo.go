package composite

import (
	"context"

	"coinfeed/internal/application/port"
	"coinfeed/internal/domain"
)

type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// Len 下游仓储数量
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) UpsertLatestPrice(ctx context.Context, coin domain.CoinID, currency string, price float64, ts int64) error {
	return r.each(func(repo port.Repository) error {
		return repo.UpsertLatestPrice(ctx, coin, currency, price, ts)
	})
}

func (r *Repo) InsertPriceUpdate(ctx context.Context, u domain.PriceUpdate) error {
	return r.each(func(repo port.Repository) error {
		return repo.InsertPriceUpdate(ctx, u)
	})
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	return r.each(func(repo port.Repository) error {
		return repo.InsertSnapshot(ctx, ts, payload)
	})
}

// each 写入所有下游，返回第一个错误
func (r *Repo) each(fn func(port.Repository) error) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := fn(repo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Repository = (*Repo)(nil)
