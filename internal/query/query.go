// Package query implements keyed, pull-based contract reads. Callers never
// block on the chain: a miss starts a background fetch and reports loading.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State 表示单个读取的状态。
type State string

const (
	StateLoading  State = "loading"
	StateResolved State = "resolved"
	// StateAbsent 表示没有可读取的参数（例如未连接账户），调用方按零值展示。
	StateAbsent State = "absent"
	StateFailed State = "failed"
)

// Key identifies a read: contract address, function name and optional
// argument (the account address for per-account reads).
type Key struct {
	Contract common.Address `json:"contract"`
	Method   string         `json:"method"`
	Arg      string         `json:"arg,omitempty"`
}

// String 返回规范化的键，地址参数大小写不敏感。
func (k Key) String() string {
	return strings.ToLower(k.Contract.Hex()) + ":" + k.Method + ":" + strings.ToLower(strings.TrimSpace(k.Arg))
}

// Result 是读取的当前视图。
type Result struct {
	Key       Key       `json:"key"`
	State     State     `json:"state"`
	Value     any       `json:"value,omitempty"`
	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Resolved 判断结果是否可用。
func (r Result) Resolved() bool { return r.State == StateResolved }

// Entry 是缓存中的一条记录。
type Entry struct {
	Value     any
	UpdatedAt time.Time
}

// Cache stores resolved reads.
type Cache interface {
	Load(ctx context.Context, key Key) (Entry, bool, error)
	Save(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, keys ...Key) error
	Close() error
}

// Fetcher performs the actual contract read.
type Fetcher interface {
	Call(ctx context.Context, method, arg string) (any, error)
}
