package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"coinfeed/internal/application/port"
	"coinfeed/internal/infrastructure/config"
	"coinfeed/internal/infrastructure/storage"
	"coinfeed/internal/infrastructure/storage/composite"
	pgrepo "coinfeed/internal/infrastructure/storage/postgres"
	redisrepo "coinfeed/internal/infrastructure/storage/redis"
	sqliterepo "coinfeed/internal/infrastructure/storage/sqlite"
)

// historyLimit 内存仓储每个币种保留的更新条数
const historyLimit = 1000

// Container 包含所有应用依赖
type Container struct {
	cfg          *config.Config
	redisRepo    *redisrepo.Repo
	sqliteRepo   *sqliterepo.Repo
	postgresRepo *pgrepo.Repo
	memory       *storage.InMemory
	repo         port.Repository
	closeOnce    sync.Once
	closerChain  []func() error
}

// New 创建新的容器实例
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		memory:      storage.NewInMemory(historyLimit),
		closerChain: make([]func() error, 0),
	}

	if cfg.Storage.Enabled {
		if err := c.initStorage(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	// 内存仓储始终在组合中，保证看板进程内可查询
	c.repo = composite.New(c.memory, c.redisOrNil(), c.sqliteOrNil(), c.postgresOrNil())
	return c, nil
}

// initStorage 初始化存储层（Redis、SQLite、Postgres）
func (c *Container) initStorage() error {
	if c.cfg.Storage.Redis.Enabled {
		if err := c.initRedis(); err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
	}
	if c.cfg.Storage.SQLite.Enabled {
		if err := c.initSQLite(); err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
	}
	if c.cfg.Storage.Postgres.Enabled {
		if err := c.initPostgres(); err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (c *Container) initRedis() error {
	rc := c.cfg.Storage.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisRepo = redisrepo.New(rdb, rc.Prefix, time.Duration(rc.TTLSeconds)*time.Second, rc.Channel)

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().Str("addr", rc.Addr).Int("db", rc.DB).Msg("redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (c *Container) initSQLite() error {
	repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
	if err != nil {
		return err
	}
	c.sqliteRepo = repo

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")
	return nil
}

// initPostgres 初始化 Postgres 连接
func (c *Container) initPostgres() error {
	repo, err := pgrepo.New(c.cfg.Storage.Postgres.DSN)
	if err != nil {
		return err
	}
	c.postgresRepo = repo

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("postgres initialized")
	return nil
}

// typed nil pointers must not leak into the composite as non-nil interfaces
func (c *Container) redisOrNil() port.Repository {
	if c.redisRepo == nil {
		return nil
	}
	return c.redisRepo
}

func (c *Container) sqliteOrNil() port.Repository {
	if c.sqliteRepo == nil {
		return nil
	}
	return c.sqliteRepo
}

func (c *Container) postgresOrNil() port.Repository {
	if c.postgresRepo == nil {
		return nil
	}
	return c.postgresRepo
}

// Config 获取配置
func (c *Container) Config() *config.Config {
	return c.cfg
}

// Repository 写入所有已启用仓储的组合仓储
func (c *Container) Repository() port.Repository {
	return c.repo
}

// CoinIDStore 数字 id 的持久化位置；未启用 SQLite 时落在内存
func (c *Container) CoinIDStore() port.CoinIDStore {
	if c.sqliteRepo != nil {
		return c.sqliteRepo
	}
	return c.memory
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
