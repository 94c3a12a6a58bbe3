package txtrack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用两个 RabbitMQ 队列跟踪交易：轮询队列交给消费者，
// 等待队列没有消费者，消息按 TTL 过期后经默认交换机死信回到轮询队列。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	poll    string
	holding string

	// amqp.Channel 的发布不是并发安全的。
	pubMu sync.Mutex
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明轮询队列与等待队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	poll := cfg.Queue
	if poll == "" {
		poll = "referral.tx.poll"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q := &RabbitMQQueue{conn: conn, poll: poll, holding: poll + ".holding"}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(q.poll, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明轮询队列失败: %w", err)
	}
	holdingArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.poll,
	}
	if _, err := ch.QueueDeclare(q.holding, cfg.Durable, cfg.AutoDelete, false, false, holdingArgs); err != nil {
		return fmt.Errorf("声明等待队列失败: %w", err)
	}
	return nil
}

// Publish 把交易 ID 直接投递到轮询队列。
func (q *RabbitMQQueue) Publish(ctx context.Context, txID string) error {
	return q.publish(ctx, q.poll, txID, "")
}

// PublishAfter 把交易 ID 放入等待队列，delay 到期后由 RabbitMQ 转回轮询队列。
// 等待队列只在队首检查过期，调用方应使用固定的间隔。
func (q *RabbitMQQueue) PublishAfter(ctx context.Context, txID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, txID)
	}
	return q.publish(ctx, q.holding, txID, strconv.FormatInt(delay.Milliseconds(), 10))
}

func (q *RabbitMQQueue) publish(ctx context.Context, queue, txID, expiration string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Expiration:   expiration,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(txID),
	})
	if err != nil {
		return fmt.Errorf("投递交易 %s 到 %s 失败: %w", txID, queue, err)
	}
	return nil
}

// Consume 以手动确认模式消费轮询队列。处理成功（包括已放入等待队列）后才确认，
// 处理失败的消息重新入队，进程退出时未确认的消息由 RabbitMQ 重新投递。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.poll, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅轮询队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.settle(d, handler(ctx, string(d.Body)))
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("RabbitMQ 投递通道已关闭")
}

func (q *RabbitMQQueue) settle(d amqp.Delivery, handleErr error) {
	if handleErr != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
