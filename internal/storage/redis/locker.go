package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"AgentNexus-Chain/internal/deployment"
	"AgentNexus-Chain/pkg/logger"
)

// Config 描述 Redis 锁的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL 为租约时长，持有者崩溃后锁在 TTL 后自动释放。
	TTL time.Duration
	// RetryInterval 为锁被占用时的轮询间隔。
	RetryInterval time.Duration
}

// lockClient 是 Locker 使用到的 go-redis 命令子集。
type lockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// 仅当值仍为自己的令牌时才删除，避免误删他人在租约过期后取得的锁。
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Locker implements deployment.Locker with SET NX PX leases.
type Locker struct {
	client lockClient
	closer func() error
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *slog.Logger
}

var _ deployment.Locker = (*Locker)(nil)

// NewLocker 连接 Redis 并创建分布式锁。
func NewLocker(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	l := newLocker(client, cfg)
	l.closer = client.Close
	return l, nil
}

func newLocker(client lockClient, cfg Config) *Locker {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentnexus:deploy-lock:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  retry,
		log:    logger.Named("redis-lock"),
	}
}

// Lock 轮询 SET NX 直到获得租约或 ctx 结束。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// 调用方的 ctx 可能已取消，释放锁使用独立的短超时。
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.Eval(releaseCtx, unlockScript, []string{fullKey}, token).Err(); err != nil {
			l.log.Warn("释放 Redis 锁失败", slog.String("key", fullKey), slog.String("error", err.Error()))
		}
	}, nil
}

// Close 关闭 Redis 连接。
func (l *Locker) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}
