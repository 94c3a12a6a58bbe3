package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"referral-dapp/internal/api"
	"referral-dapp/internal/auth"
	"referral-dapp/internal/config"
	"referral-dapp/internal/contract"
	"referral-dapp/internal/observability/alerting"
	"referral-dapp/internal/observability/metrics"
	"referral-dapp/internal/query"
	"referral-dapp/internal/referral"
	"referral-dapp/internal/storage/mysql"
	"referral-dapp/internal/txtrack"
	"referral-dapp/internal/wallet"
	"referral-dapp/internal/web3/provider"
	"referral-dapp/pkg/logger"
)

// main 是 referrald 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("referrald 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	configPath := os.Getenv("REFERRAL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "referral.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logr := logger.Named("referrald")

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chain, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return err
	}

	connector, err := wallet.FromConfig(cfg.Wallet, chainID)
	if err != nil {
		return err
	}

	ref, err := contract.New(cfg.Contract.Address, cfg.Contract.ABI, chain.ContractBackend())
	if err != nil {
		return err
	}

	cache, err := createCache(ctx, cfg)
	if err != nil {
		return err
	}
	reads := query.NewStore(ref.Address(), ref,
		query.WithCache(cache),
		query.WithTimeout(cfg.Contract.ReadTimeout()),
		query.WithObserver(metrics.ObserveContractRead),
		query.WithAccountMethods(contract.AccountMethods...),
	)
	defer reads.Close()

	txStore, err := createTxStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := createQueue(ctx, cfg)
	if err != nil {
		_ = txStore.Close()
		return err
	}

	alerts := createAlerts(cfg)
	observe := func(kind txtrack.Kind, status txtrack.Status) {
		metrics.ObserveTxTransition(string(kind), string(status))
	}
	tracker := txtrack.NewService(txStore, queue, cfg.TxQueue.MaxPolls,
		txtrack.WithServiceAlerts(alerts),
		txtrack.WithServiceObserver(observe),
	)
	defer func() {
		if err := tracker.Close(); err != nil {
			logr.Warn("关闭交易跟踪失败", slog.Any("error", err))
		}
	}()

	// 上次退出时正在处理的交易可能已不在队列中。
	if _, err := tracker.Resume(ctx); err != nil {
		return err
	}

	dash, err := referral.New(ref, reads, connector, tracker,
		referral.WithPlaces(cfg.Contract.DisplayPlaces),
		referral.WithSymbol(cfg.Web3.NativeSymbol),
		referral.WithChain(chain),
	)
	if err != nil {
		return err
	}

	processor := txtrack.NewProcessor(chain, txStore, queue, queue,
		txtrack.WithWorkerCount(cfg.TxQueue.Workers),
		txtrack.WithPollInterval(cfg.TxQueue.PollInterval()),
		txtrack.WithAlertDispatcher(alerts),
		txtrack.WithProcessorObserver(observe),
		txtrack.OnConfirmed(dash.OnConfirmed),
	)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithAuth(authSvc),
		api.WithChainChecker(chain),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second,
		),
	}
	// 未单独配置指标端口时，与 API 共用监听地址。
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetricsPath(cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, dash, tracker, serverOpts...)

	dash.Prefetch()
	logr.Info("referrald 已就绪",
		slog.String("contract", ref.Address().Hex()),
		slog.String("chain", chainRegistry.DefaultName()),
		slog.String("chain_id", chainID.String()),
		slog.String("wallet", dash.Wallet().Kind),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, cfg.Metrics.Path)) })
	}
	if cfg.Contract.WatchEvents {
		g.Go(func() error {
			// 订阅结束只记录日志。
			if err := dash.WatchEvents(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Warn("合约事件订阅结束", slog.Any("error", err))
			}
			return nil
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createCache(ctx context.Context, cfg *config.Config) (query.Cache, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return query.NewMemoryCache(cfg.Cache.TTL()), nil
	case "redis":
		return query.NewRedisCache(ctx, query.RedisCacheConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.Cache.TTL(),
		}, contract.DecodeValue)
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func createTxStore(ctx context.Context, cfg *config.Config) (txtrack.Store, error) {
	switch cfg.Storage.TxStoreDriver() {
	case "", "memory":
		return txtrack.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewTxStore(ctx, mysql.Config{
			DSN:             cfg.Storage.TxStore.DSN,
			MaxOpenConns:    cfg.Storage.TxStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TxStore.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.TxStore.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Storage.TxStore.ConnMaxIdleTime(),
		})
	default:
		return nil, fmt.Errorf("未知的交易存储驱动: %s", cfg.Storage.TxStore.Driver)
	}
}

func createQueue(ctx context.Context, cfg *config.Config) (txtrack.Queue, error) {
	switch cfg.TxQueue.Driver {
	case "", "memory":
		return txtrack.NewMemoryQueue(cfg.TxQueue.Buffer), nil
	case "redis":
		return txtrack.NewRedisQueue(ctx, txtrack.RedisQueueConfig{
			Address:   cfg.TxQueue.Redis.Address,
			Password:  cfg.TxQueue.Redis.Password,
			DB:        cfg.TxQueue.Redis.DB,
			Queue:     cfg.TxQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TxQueue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return txtrack.NewRabbitMQQueue(txtrack.RabbitMQConfig{
			URL:        cfg.TxQueue.RabbitMQ.URL,
			Queue:      cfg.TxQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TxQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TxQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TxQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TxQueue.Driver)
	}
}

func createAlerts(cfg *config.Config) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if email := cfg.Alerting.Email; email.Enabled {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: alerting.NewSMTPSender(alerting.SMTPConfig{
				Host:     email.SMTPHost,
				Port:     email.SMTPPort,
				Username: email.Username,
				Password: email.Password,
				From:     email.From,
			}),
			To:            email.To,
			SubjectPrefix: "[referrald] ",
		})
	}
	if hook := cfg.Alerting.Webhook; hook.URL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(hook.URL, hook.Timeout()))
	}
	return alerting.NewFanout(notifiers...)
}

