package txtrack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 保存就绪交易，使用 sorted set 保存等待下一次轮询的交易，
// 多个 referrald 实例可以共享。
type RedisQueue struct {
	client  redis.UniversalClient
	ready   string
	delayed string
	wait    time.Duration
	tick    time.Duration
}

// promoteDue 原子地把到期成员从 sorted set 移到就绪 list。
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 使用已有客户端构造队列。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "referral:tx:poll"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:  client,
		ready:   queue,
		delayed: queue + ":delayed",
		wait:    wait,
		tick:    250 * time.Millisecond,
	}
}

// Publish 将交易 ID 放入就绪 list。
func (q *RedisQueue) Publish(ctx context.Context, txID string) error {
	if err := q.client.LPush(ctx, q.ready, txID).Err(); err != nil {
		return fmt.Errorf("Redis 发布交易失败: %w", err)
	}
	return nil
}

// PublishAfter 以到期时间为分数写入 sorted set；同一交易只保留较早的到期时间。
func (q *RedisQueue) PublishAfter(ctx context.Context, txID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, txID)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAddLT(ctx, q.delayed, redis.Z{Score: due, Member: txID}).Err(); err != nil {
		return fmt.Errorf("Redis 延迟投递交易失败: %w", err)
	}
	return nil
}

// Promote 把已经到期的交易移入就绪 list，返回移动的数量。
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved, err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.ready}, now, 100).Int()
	if err != nil {
		return 0, fmt.Errorf("Redis 转移到期交易失败: %w", err)
	}
	return moved, nil
}

// Consume 通过 BRPOP 取出就绪交易，同时定期转移到期的延迟交易。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount+1)

	go func() {
		ticker := time.NewTicker(q.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Promote(ctx); errors.Is(err, redis.ErrClosed) {
					errCh <- err
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.ready).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() == nil {
						errCh <- fmt.Errorf("Redis 取交易失败: %w", err)
					}
					return
				}
				if len(values) != 2 {
					continue
				}
				txID := values[1]
				if handlerErr := handler(ctx, txID); handlerErr != nil {
					// 失败的交易进入延迟集合，不阻塞其它交易。
					_ = q.PublishAfter(context.WithoutCancel(ctx), txID, q.tick)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
