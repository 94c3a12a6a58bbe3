package txtrack

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/observability/alerting"
	"referral-dapp/pkg/logger"
)

// ReceiptSource 提供交易回执查询。交易尚未打包时返回 go-ethereum 的 NotFound，
// 节点仍在建立交易索引时返回 indexing 错误，两者都视为未打包。
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ConfirmedHook 在交易确认后被调用，通常用于刷新依赖的读取。
type ConfirmedHook func(ctx context.Context, tx *Transaction)

// Processor 负责从队列消费交易并轮询回执。
type Processor struct {
	receipts    ReceiptSource
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	interval    time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	hooks       []ConfirmedHook
	observer    TransitionObserver
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithPollInterval 设置两次回执查询之间的间隔。
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// OnConfirmed 注册确认回调。
func OnConfirmed(hook ConfirmedHook) ProcessorOption {
	return func(p *Processor) {
		if hook != nil {
			p.hooks = append(p.hooks, hook)
		}
	}
}

// WithProcessorObserver 注册状态变更观察者。
func WithProcessorObserver(o TransitionObserver) ProcessorOption {
	return func(p *Processor) { p.observer = o }
}

// NewProcessor 构造 Processor。
func NewProcessor(receipts ReceiptSource, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		receipts:    receipts,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		interval:    2 * time.Second,
		logger:      logger.Named("txtrack"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动轮询循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, txID string) error {
	if p.store == nil || p.receipts == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	tx, err := p.store.Claim(ctx, txID)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrTxNotFound), stdErrors.Is(err, ErrTxSettled), stdErrors.Is(err, ErrTxConflict):
			p.logger.Debug("跳过交易", slog.String("tx_id", txID), slog.String("reason", err.Error()))
			return nil
		case stdErrors.Is(err, ErrTxExhausted) && tx != nil:
			return p.fail(ctx, tx, xerrors.CodeTxTimeout, fmt.Errorf("交易在 %d 次轮询后仍未打包", tx.MaxPolls))
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("tx_id", txID))
		emitAlert(ctx, p.alerter, &Transaction{ID: txID}, CodeTxPolling, err, "claim")
		return err
	}

	receipt, err := p.receipts.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	switch {
	case err == nil:
	case receiptPending(err):
		return p.retry(ctx, tx)
	default:
		p.logger.Warn("查询交易回执失败",
			slog.Any("error", err),
			slog.String("tx_id", tx.ID),
			slog.Int("attempts", tx.Attempts))
		return p.retry(ctx, tx)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return p.fail(ctx, tx, xerrors.CodeTxReverted, fmt.Errorf("交易 %s 在区块 %s 执行失败", tx.Hash, receipt.BlockNumber))
	}

	block := uint64(0)
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if err := p.store.MarkConfirmed(ctx, tx.ID, Receipt{BlockNumber: block, GasUsed: receipt.GasUsed}); err != nil {
		if stdErrors.Is(err, ErrTxSettled) {
			return nil
		}
		logger.L().Error("标记交易确认失败", slog.Any("error", err), slog.String("tx_id", tx.ID))
		return p.retry(ctx, tx)
	}
	tx.Status = StatusConfirmed
	tx.BlockNumber = block
	tx.GasUsed = receipt.GasUsed
	p.observe(tx.Kind, StatusConfirmed)

	logger.Audit().Info("交易已确认",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.String("account", tx.Account),
		slog.String("hash", tx.Hash),
		slog.Uint64("block_number", block),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	for _, hook := range p.hooks {
		hook(ctx, cloneTx(tx))
	}
	return nil
}

// retry 把交易交回队列，轮询间隔后再次查询；次数耗尽时标记超时。
func (p *Processor) retry(ctx context.Context, tx *Transaction) error {
	if tx.MaxPolls > 0 && tx.Attempts >= tx.MaxPolls {
		return p.fail(ctx, tx, xerrors.CodeTxTimeout, fmt.Errorf("交易在 %d 次轮询后仍未打包", tx.MaxPolls))
	}
	if err := p.producer.PublishAfter(ctx, tx.ID, p.interval); err != nil {
		wrapped := xerrors.Wrap(CodeTxPublish, err, fmt.Sprintf("交易 %s 重投失败", tx.ID))
		logger.L().Error("交易重新排队失败", slog.Any("error", wrapped), slog.String("tx_id", tx.ID))
		emitAlert(ctx, p.alerter, tx, CodeTxPublish, wrapped, "requeue")
		return wrapped
	}
	p.logger.Debug("交易尚未打包，稍后重试", slog.String("tx_id", tx.ID), slog.Int("attempts", tx.Attempts))
	return nil
}

func (p *Processor) fail(ctx context.Context, tx *Transaction, code xerrors.Code, cause error) error {
	if err := p.store.MarkFailed(ctx, tx.ID, string(code), cause.Error()); err != nil {
		if stdErrors.Is(err, ErrTxSettled) {
			return nil
		}
		logger.L().Error("标记交易失败状态出错", slog.Any("error", err), slog.String("tx_id", tx.ID))
		return err
	}
	p.observe(tx.Kind, StatusFailed)
	logger.Audit().Warn("交易失败",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.String("account", tx.Account),
		slog.String("hash", tx.Hash),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
		slog.Int("attempts", tx.Attempts),
		slog.Int("max_polls", tx.MaxPolls),
	)
	emitAlert(ctx, p.alerter, tx, code, cause, "receipt")
	return nil
}

// indexingInProgress 是 geth 在交易索引未完成时返回的错误文本。
const indexingInProgress = "transaction indexing is in progress"

func receiptPending(err error) bool {
	return stdErrors.Is(err, gethcore.NotFound) || strings.Contains(err.Error(), indexingInProgress)
}

func (p *Processor) observe(kind Kind, status Status) {
	if p.observer != nil {
		p.observer(kind, status)
	}
}
