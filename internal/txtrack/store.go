package txtrack

import "context"

// Store 抽象了交易跟踪记录的持久化接口。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// MarkSubmitted 记录广播后的交易哈希。
	MarkSubmitted(ctx context.Context, id, hash string) error
	// Claim 为一次回执轮询计数；终态、未广播或次数耗尽时返回对应错误。
	Claim(ctx context.Context, id string) (*Transaction, error)
	MarkConfirmed(ctx context.Context, id string, receipt Receipt) error
	MarkFailed(ctx context.Context, id string, code string, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
