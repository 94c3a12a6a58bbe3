package txtrack

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errQueueClosed 在队列关闭后投递时返回。
var errQueueClosed = errors.New("轮询队列已关闭")

// MemoryQueue 是进程内的轮询队列。延迟投递由队列自身的定时器持有，
// 与消费者的生命周期无关，消费者重启后仍会收到到期的交易。
type MemoryQueue struct {
	ready chan string
	done  chan struct{}

	mu      sync.Mutex
	delayed map[string]*time.Timer
	closed  bool
}

// NewMemoryQueue 创建一个内存队列，size 为就绪缓冲区大小。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ready:   make(chan string, size),
		done:    make(chan struct{}),
		delayed: make(map[string]*time.Timer),
	}
}

// Publish 立即投递交易 ID，缓冲区满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, txID string) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ready <- txID:
		return nil
	}
}

// PublishAfter 在 delay 之后投递交易 ID。同一交易已有等待中的投递时保留较早的一次。
func (q *MemoryQueue) PublishAfter(ctx context.Context, txID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, txID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if _, waiting := q.delayed[txID]; waiting {
		return nil
	}
	q.delayed[txID] = time.AfterFunc(delay, func() { q.promote(txID) })
	return nil
}

// promote 把到期交易移入就绪缓冲区；缓冲区满时稍后重试。
func (q *MemoryQueue) promote(txID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- txID:
		delete(q.delayed, txID)
	default:
		q.delayed[txID] = time.AfterFunc(50*time.Millisecond, func() { q.promote(txID) })
	}
}

// Len 返回就绪与等待中的交易数量。
func (q *MemoryQueue) Len() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

// Consume 启动 workerCount 个协程处理就绪交易，直到 ctx 结束或队列关闭。
// 处理失败的交易稍后重新排队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case <-q.done:
					return
				case txID := <-q.ready:
					if err := handler(ctx, txID); err != nil && ctx.Err() == nil {
						_ = q.PublishAfter(ctx, txID, 100*time.Millisecond)
					}
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errQueueClosed
}

// Close 停止所有等待中的投递并关闭队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	close(q.done)
	return nil
}
