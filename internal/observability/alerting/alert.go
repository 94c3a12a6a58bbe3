package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "referral-dapp/internal/errors"
	"referral-dapp/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的交易事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	TxID       string            `json:"tx_id"`
	Kind       string            `json:"kind,omitempty"`
	Account    string            `json:"account,omitempty"`
	Hash       string            `json:"hash,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxPolls   int               `json:"max_polls"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Summary 返回单行摘要，用于邮件标题与日志。
func (e Event) Summary() string {
	return fmt.Sprintf("[%s] %s %s", e.Severity, e.Code, e.Kind)
}

// Body 返回多行文本描述。
func (e Event) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "告警时间: %s\n", e.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "交易: %s (%s)\n", e.TxID, e.Kind)
	if e.Account != "" {
		fmt.Fprintf(&b, "账户: %s\n", e.Account)
	}
	if e.Hash != "" {
		fmt.Fprintf(&b, "哈希: %s\n", e.Hash)
	}
	fmt.Fprintf(&b, "轮询: %d/%d\n错误码: %s\n描述: %s\n", e.Attempts, e.MaxPolls, e.Code, e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("详情:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.L().Debug("告警已派发", slog.String("tx_id", event.TxID), slog.String("code", string(event.Code)))
	return nil
}
