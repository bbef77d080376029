package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"reward-accumulator/pkg/logger"
)

const (
	defaultLockKey = "reward-accumulator:run"
	defaultLockTTL = time.Minute
)

// 仅当锁仍归当前持有者时才删除。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// 仅当锁仍归当前持有者时才续期。
const refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// ErrLockLost 表示持有期间锁被其他进程接管或续期长时间失败。
var ErrLockLost = errors.New("运行锁已丢失")

// LockConfig 描述 Redis 锁的连接参数。
type LockConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
	Close() error
}

// Locker 基于 SET NX PX 实现跨进程互斥。
type Locker struct {
	client lockClient
	key    string
	ttl    time.Duration
	log    *slog.Logger
}

// NewLocker 创建 Redis 锁并检查连接。
func NewLocker(ctx context.Context, cfg LockConfig) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newLocker(client, cfg.Key, cfg.TTL), nil
}

func newLocker(client lockClient, key string, ttl time.Duration) *Locker {
	if key == "" {
		key = defaultLockKey
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{client: client, key: key, ttl: ttl, log: logger.Named("redis-lock")}
}

// Key 返回锁使用的键名。
func (l *Locker) Key() string { return l.key }

// TryAcquire 尝试获取锁，已被占用时返回 false。持有期间每隔 TTL/3 续期一次，
// 返回的 lease 在锁丢失时以 ErrLockLost 取消，release 会停止续期并释放锁。
func (l *Locker) TryAcquire(ctx context.Context) (context.Context, func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, false, fmt.Errorf("Redis 获取锁失败: %w", err)
	}
	if !ok {
		return nil, nil, false, nil
	}

	lease, lose := context.WithCancelCause(context.Background())
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.keepAlive(refreshCtx, token); err != nil {
			lose(err)
		}
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var releaseErr error
		once.Do(func() {
			cancel()
			wg.Wait()
			lose(context.Canceled)
			if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				releaseErr = fmt.Errorf("Redis 释放锁失败: %w", err)
			}
		})
		return releaseErr
	}
	return lease, release, true, nil
}

// keepAlive 在 ctx 结束前持续续期，锁被接管或连续一个 TTL 未能续期时返回 ErrLockLost。
func (l *Locker) keepAlive(ctx context.Context, token string) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := l.client.Eval(ctx, refreshScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.log.Warn("续期运行锁失败", slog.String("key", l.key), slog.Any("error", err))
				if time.Since(renewed) >= l.ttl {
					l.log.Error("运行锁续期超时", slog.String("key", l.key))
					return fmt.Errorf("%w: %v", ErrLockLost, err)
				}
				continue
			}
			if res == 0 {
				l.log.Error("运行锁已被其他进程持有", slog.String("key", l.key))
				return ErrLockLost
			}
			renewed = time.Now()
		}
	}
}

// Close 关闭 Redis 连接。
func (l *Locker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
