package txtrack

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "referral-dapp/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，默认驱动。
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
	// seq 记录插入顺序，用于同一毫秒内的排序。
	seq  map[string]uint64
	next uint64
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction), seq: make(map[string]uint64), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return ErrTxConflict
	}
	now := m.now().UnixMilli()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.next++
	m.seq[tx.ID] = m.next
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneTx(tx), nil
}

// MarkSubmitted 记录交易哈希。
func (m *MemoryStore) MarkSubmitted(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != StatusPending {
		return ErrTxConflict
	}
	tx.Status = StatusSubmitted
	tx.Hash = hash
	tx.UpdatedAt = m.now().UnixMilli()
	return nil
}

// Claim 为一次回执轮询计数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	switch tx.Status {
	case StatusConfirmed, StatusFailed:
		return cloneTx(tx), ErrTxSettled
	case StatusPending:
		return cloneTx(tx), ErrTxConflict
	}
	if tx.MaxPolls > 0 && tx.Attempts >= tx.MaxPolls {
		return cloneTx(tx), ErrTxExhausted
	}
	tx.Attempts++
	tx.UpdatedAt = m.now().UnixMilli()
	return cloneTx(tx), nil
}

// MarkConfirmed 记录成功回执。
func (m *MemoryStore) MarkConfirmed(_ context.Context, id string, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status.Settled() {
		return ErrTxSettled
	}
	tx.Status = StatusConfirmed
	tx.BlockNumber = receipt.BlockNumber
	tx.GasUsed = receipt.GasUsed
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = m.now().UnixMilli()
	return nil
}

// MarkFailed 标记交易失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status.Settled() {
		return ErrTxSettled
	}
	tx.Status = StatusFailed
	tx.LastError = lastError
	tx.ErrorCode = code
	tx.UpdatedAt = m.now().UnixMilli()
	return nil
}

// List 返回符合条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if opts.Matches(tx) {
			results = append(results, cloneTx(tx))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return m.seq[a.ID] > m.seq[b.ID]
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Transaction{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, tx := range m.txs {
		if opts.Matches(tx) {
			stats.add(tx)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
