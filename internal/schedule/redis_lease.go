package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGateConfig 描述 Redis 闸门的连接参数。
type RedisGateConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisGate 用 SET NX PX 实现跨实例的执行闸门。
type RedisGate struct {
	client *redis.Client
	prefix string
}

// releaseScript 仅在持有者匹配时删除闸门，避免误删他人租约。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0`)

// NewRedisGate 创建 Redis 闸门。
func NewRedisGate(cfg RedisGateConfig) (*RedisGate, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chaindca:gate:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisGate{client: client, prefix: prefix}, nil
}

// TryAcquire 实现 Gate 接口。
func (g *RedisGate) TryAcquire(ctx context.Context, orderID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := g.client.SetNX(ctx, g.prefix+orderID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取执行闸门失败: %w", err)
	}
	return ok, nil
}

// Release 实现 Gate 接口。
func (g *RedisGate) Release(ctx context.Context, orderID, owner string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.prefix + orderID}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("释放执行闸门失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (g *RedisGate) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Gate = (*RedisGate)(nil)
