// Package txtrack follows submitted contract writes until they are mined.
// Records move pending -> submitted -> confirmed|failed; the processor polls
// receipts through a queue so several daemons can share the work.
package txtrack

import (
	"strings"

	xerrors "referral-dapp/internal/errors"
)

// Kind 表示交易对应的合约写操作。
type Kind string

const (
	KindSignUp   Kind = "signUp"
	KindWithdraw Kind = "withdraw"
)

// Status 表示交易在生命周期中的状态。
type Status string

const (
	// StatusPending 表示已请求钱包签名但尚未广播。
	StatusPending Status = "pending"
	// StatusSubmitted 表示交易已广播，等待打包。
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Settled 判断状态是否为终态。
func (s Status) Settled() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Transaction 描述一笔被跟踪的合约写交易。
type Transaction struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Account     string `json:"account"`
	Referrer    string `json:"referrer,omitempty"`
	Value       string `json:"value"`
	Hash        string `json:"hash,omitempty"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxPolls    int    `json:"max_polls"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	// CreatedAt/UpdatedAt 为 Unix 毫秒时间戳。
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Busy 判断交易是否仍占用对应的操作按钮。
func (t *Transaction) Busy() bool {
	return t != nil && !t.Status.Settled()
}

// Receipt 是确认时写入的回执摘要。
type Receipt struct {
	BlockNumber uint64
	GasUsed     uint64
}

var (
	// ErrTxNotFound 表示指定的交易不存在。
	ErrTxNotFound = xerrors.New(xerrors.CodeTxNotFound, "")
	// ErrTxConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTxConflict = xerrors.New(CodeTxConflict, "")
	// ErrTxSettled 表示交易已经处于终态。
	ErrTxSettled = xerrors.New(CodeTxSettled, "")
	// ErrTxExhausted 表示轮询次数已经耗尽。
	ErrTxExhausted = xerrors.New(xerrors.CodeTxTimeout, "")
)

const (
	CodeTxConflict xerrors.Code = "TX_CONFLICT"
	CodeTxSettled  xerrors.Code = "TX_SETTLED"
	CodeTxPublish  xerrors.Code = "TX_PUBLISH_FAILED"
	CodeTxPolling  xerrors.Code = "TX_POLLING_FAILED"
)

func init() {
	xerrors.Register(CodeTxConflict, xerrors.Attributes{
		Message:  "transaction state conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTxSettled, xerrors.Attributes{
		Message:  "transaction already settled",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxPublish, xerrors.Attributes{
		Message:   "failed to enqueue receipt polling",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTxPolling, xerrors.Attributes{
		Message:   "receipt lookup failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查交易类型。
func IsValidKind(kind Kind) bool {
	return kind == KindSignUp || kind == KindWithdraw
}

// NormalizeAccount 统一地址大小写，便于比较与索引。
func NormalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func cloneTx(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	clone := *tx
	return &clone
}
