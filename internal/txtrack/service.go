package txtrack

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/observability/alerting"
	"referral-dapp/pkg/logger"
)

// TrackRequest 描述一次即将发送的合约写交易。
type TrackRequest struct {
	Kind     Kind
	Account  string
	Referrer string
	Value    *big.Int
}

// TransitionObserver 在交易进入新状态时被调用。
type TransitionObserver func(kind Kind, status Status)

// Service 负责交易记录的创建与查询。
type Service struct {
	store    Store
	producer Producer
	maxPolls int
	alerter  alerting.Dispatcher
	observer TransitionObserver
	// pendingGrace 内的 pending 记录可能仍在其它实例上等待钱包签名，Resume 不处理。
	pendingGrace time.Duration
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceAlerts 为钱包拒绝等提交阶段的失败配置告警。
func WithServiceAlerts(d alerting.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerter = d }
}

// WithServiceObserver 注册状态变更观察者。
func WithServiceObserver(o TransitionObserver) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// WithPendingGrace 设置 Resume 视为孤立 pending 记录前的等待时长。
func WithPendingGrace(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.pendingGrace = d
		}
	}
}

// NewService 构造交易跟踪服务。
func NewService(store Store, producer Producer, maxPolls int, opts ...ServiceOption) *Service {
	if maxPolls <= 0 {
		maxPolls = 150
	}
	s := &Service{store: store, producer: producer, maxPolls: maxPolls, pendingGrace: 2 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Begin 在请求钱包签名前创建 pending 记录，使对应按钮进入忙碌状态。
func (s *Service) Begin(ctx context.Context, req TrackRequest) (*Transaction, error) {
	if !IsValidKind(req.Kind) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的交易类型: "+string(req.Kind))
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易跟踪服务未初始化")
	}
	value := "0"
	if req.Value != nil {
		value = req.Value.String()
	}
	tx := &Transaction{
		ID:       uuid.NewString(),
		Kind:     req.Kind,
		Account:  NormalizeAccount(req.Account),
		Referrer: NormalizeAccount(req.Referrer),
		Value:    value,
		Status:   StatusPending,
		MaxPolls: s.maxPolls,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	s.observe(tx.Kind, StatusPending)
	return tx, nil
}

// Submitted 记录交易哈希并投递到轮询队列。
func (s *Service) Submitted(ctx context.Context, id string, hash common.Hash) (*Transaction, error) {
	if err := s.store.MarkSubmitted(ctx, id, hash.Hex()); err != nil {
		return nil, err
	}
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.observe(tx.Kind, StatusSubmitted)

	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("tx_id", id))
		wrapped := xerrors.Wrap(CodeTxPublish, err, "发布交易到轮询队列失败")
		_ = s.store.MarkFailed(ctx, id, string(CodeTxPublish), wrapped.Error())
		s.observe(tx.Kind, StatusFailed)
		emitAlert(ctx, s.alerter, tx, CodeTxPublish, wrapped, "publish")
		return nil, wrapped
	}
	logger.Audit().Info("交易已提交",
		slog.String("tx_id", id),
		slog.String("kind", string(tx.Kind)),
		slog.String("account", tx.Account),
		slog.String("hash", tx.Hash),
		slog.String("value", tx.Value),
	)
	return tx, nil
}

// Rejected 记录广播前失败（例如钱包拒绝签名）的交易。
func (s *Service) Rejected(ctx context.Context, id string, cause error) (*Transaction, error) {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeWalletRejected
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := s.store.MarkFailed(ctx, id, string(code), message); err != nil {
		return nil, err
	}
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.observe(tx.Kind, StatusFailed)
	logger.Audit().Warn("交易未能发送",
		slog.String("tx_id", id),
		slog.String("kind", string(tx.Kind)),
		slog.String("account", tx.Account),
		slog.String("error_code", string(code)),
		slog.String("error", message),
	)
	if xerrors.ShouldAlert(cause) || code == xerrors.CodeWalletRejected {
		emitAlert(ctx, s.alerter, tx, code, cause, "submit")
	}
	return tx, nil
}

// Track 记录一笔已经广播的交易。
func (s *Service) Track(ctx context.Context, req TrackRequest, hash common.Hash) (*Transaction, error) {
	tx, err := s.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Submitted(ctx, tx.ID, hash)
}

// Resume 在进程启动时恢复未结束的交易：已广播的重新投递到轮询队列，
// 超过 pendingGrace 仍没有哈希的 pending 记录无法确认是否发出，标记为失败。
// 重复投递由 Store.Claim 的终态检查吸收。
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "交易跟踪服务未初始化")
	}
	resumed := 0
	for offset := 0; ; offset += 100 {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusSubmitted), WithSortOrder(SortByUpdatedAsc), WithLimit(100), WithOffset(offset)))
		if err != nil {
			return resumed, err
		}
		for _, tx := range page {
			if err := s.producer.Publish(ctx, tx.ID); err != nil {
				return resumed, xerrors.Wrap(CodeTxPublish, err, "重新投递交易失败")
			}
			resumed++
		}
		if len(page) < 100 {
			break
		}
	}

	for {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending), WithUpdatedUntil(time.Now().Add(-s.pendingGrace)), WithLimit(100)))
		if err != nil {
			return resumed, err
		}
		if len(page) == 0 {
			break
		}
		for _, tx := range page {
			if err := s.store.MarkFailed(ctx, tx.ID, string(CodeTxPublish), "进程重启时交易尚未广播"); err != nil {
				return resumed, err
			}
			s.observe(tx.Kind, StatusFailed)
		}
	}
	if resumed > 0 {
		logger.L().Info("已恢复未确认的交易", slog.Int("count", resumed))
	}
	return resumed, nil
}

// Get 返回指定交易。
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Latest 返回账户最近一笔指定类型的交易，不存在时返回 nil。
func (s *Service) Latest(ctx context.Context, account string, kind Kind) (*Transaction, error) {
	if strings.TrimSpace(account) == "" {
		return nil, nil
	}
	txs, err := s.List(ctx, WithAccount(account), WithKinds(kind), WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[0], nil
}

// Busy 判断账户是否存在未结束的指定类型交易。
func (s *Service) Busy(ctx context.Context, account string, kind Kind) (bool, error) {
	if strings.TrimSpace(account) == "" {
		return false, nil
	}
	stats, err := s.Stats(ctx, WithAccount(account), WithKinds(kind), WithStatuses(StatusPending, StatusSubmitted))
	if err != nil {
		return false, err
	}
	return stats.Total > 0, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilSettled 轮询直到交易确认或失败。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Status.Settled() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) observe(kind Kind, status Status) {
	if s.observer != nil {
		s.observer(kind, status)
	}
}

func emitAlert(ctx context.Context, alerter alerting.Dispatcher, tx *Transaction, code xerrors.Code, cause error, stage string) {
	if alerter == nil || tx == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TxID:       tx.ID,
		Kind:       string(tx.Kind),
		Account:    tx.Account,
		Hash:       tx.Hash,
		Attempts:   tx.Attempts,
		MaxPolls:   tx.MaxPolls,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
	if err := alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("tx_id", tx.ID),
			slog.String("stage", stage),
		)
	}
}
