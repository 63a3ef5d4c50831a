package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"AgentNexus-Chain/internal/api"
	"AgentNexus-Chain/internal/auth"
	"AgentNexus-Chain/internal/bridge"
	"AgentNexus-Chain/internal/bridge/nexus"
	"AgentNexus-Chain/internal/config"
	"AgentNexus-Chain/internal/crosschain"
	"AgentNexus-Chain/internal/deployment"
	"AgentNexus-Chain/internal/events"
	"AgentNexus-Chain/internal/observability/alerting"
	"AgentNexus-Chain/internal/observability/metrics"
	"AgentNexus-Chain/internal/observability/tracing"
	"AgentNexus-Chain/internal/orchestrator"
	"AgentNexus-Chain/internal/reconcile"
	"AgentNexus-Chain/internal/router"
	"AgentNexus-Chain/internal/storage/mysql"
	"AgentNexus-Chain/internal/storage/redis"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/provider"
	"AgentNexus-Chain/pkg/logger"
)

// main 是 AgentNexus 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentnexusd 运行失败: %v", err)
	}
}

// closers 按注册的逆序关闭资源。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(log *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.Warn("关闭资源失败", slog.Any("error", err))
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Named("agentnexusd")

	var cleanup closers
	defer func() { cleanup.closeAll(mainLog) }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Output:      cfg.Tracing.Output,
	})
	if err != nil {
		return err
	}
	cleanup.add(func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(flushCtx)
	})

	defs, err := web3.LoadChainDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	chains, err := provider.NewRegistry(defs,
		provider.WithRelayerKey(cfg.Chains.RelayerKey),
		provider.WithReceiptTimeout(cfg.Chains.ReceiptTimeout.Std()),
	)
	if err != nil {
		return err
	}
	cleanup.add(func() error { chains.Close(); return nil })

	connector, status, err := buildBridge(cfg)
	if err != nil {
		return err
	}

	store, history, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup.add(store.Close)
	cleanup.add(history.Close)

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	cleanup.add(publisher.Close)

	trackerOpts := []deployment.Option{
		deployment.WithStaleAfter(cfg.Deployment.StaleAfter.Std()),
		deployment.WithNotifier(events.NewDeploymentNotifier(publisher)),
	}
	if cfg.Lock.Driver == "redis" {
		locker, err := redis.NewLocker(ctx, redis.Config{
			Address:   cfg.Lock.Redis.Address,
			Password:  cfg.Lock.Redis.Password,
			DB:        cfg.Lock.Redis.DB,
			KeyPrefix: cfg.Lock.Redis.KeyPrefix,
			TTL:       cfg.Lock.TTL.Std(),
		})
		if err != nil {
			return err
		}
		cleanup.add(locker.Close)
		trackerOpts = append(trackerOpts, deployment.WithLocker(locker))
	}
	tracker := deployment.NewTracker(store, trackerOpts...)

	alerts := buildAlerts(cfg)

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup.add(queue.Close)

	orch := orchestrator.New(chains, tracker, chains,
		orchestrator.WithTimeout(cfg.Orchestrator.Timeout.Std()),
		orchestrator.WithChainDelay(cfg.Orchestrator.ChainDelay.Std()),
		orchestrator.WithReceiptTimeout(cfg.Orchestrator.ReceiptTimeout.Std()),
		orchestrator.WithApprover(orchestrator.AutoApprover{MaxAmount: cfg.Orchestrator.Approval.MaxAmount}),
		orchestrator.WithReconcileQueue(reconcile.NewEnqueuer(queue)),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(metrics.Registry)),
		orchestrator.WithAlerts(alerts),
		orchestrator.WithTokenDecimals(cfg.Deployment.TokenDecimals),
	)

	execRouter, err := router.New(chains, tracker, chains, orch, router.WithToken(cfg.Deployment.Token, cfg.Deployment.TokenDecimals))
	if err != nil {
		return err
	}

	var defaultWallet common.Address
	if cfg.Deployment.DefaultWallet != "" {
		if !common.IsHexAddress(cfg.Deployment.DefaultWallet) {
			return fmt.Errorf("deployment.default_wallet 不是合法地址: %s", cfg.Deployment.DefaultWallet)
		}
		defaultWallet = common.HexToAddress(cfg.Deployment.DefaultWallet)
	}
	svc, err := crosschain.NewService(crosschain.Dependencies{
		Chains:    chains,
		Registry:  chains,
		Connector: connector,
		Deployer:  orch,
		Router:    execRouter,
		Tracker:   tracker,
		History:   history,
		Events:    publisher,
	}, crosschain.Config{
		RegistrationFee: cfg.Deployment.RegistrationFee,
		Token:           cfg.Deployment.Token,
		DefaultWallet:   defaultWallet,
		HistoryLimit:    cfg.Deployment.HistoryLimit,
	})
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:    cfg.Auth.JWT.Secret,
			Issuer:    cfg.Auth.JWT.Issuer,
			Audience:  cfg.Auth.JWT.Audience,
			AccessTTL: cfg.Auth.JWT.AccessTTL.Std(),
		},
	})
	if err != nil {
		return err
	}

	processor := reconcile.NewProcessor(tracker, chains, queue,
		reconcile.WithWorkerCount(cfg.Reconcile.Workers),
		reconcile.WithMaxAttempts(cfg.Reconcile.MaxAttempts),
		reconcile.WithRetryDelay(cfg.Reconcile.RetryDelay.Std()),
		reconcile.WithTransferStatus(status),
		reconcile.WithAlertDispatcher(alerts),
	)
	sweeper := reconcile.NewSweeper(tracker, queue, cfg.Reconcile.SweepInterval.Std(), cfg.Reconcile.SweepBatch)
	server := api.NewServer(cfg.Server.Address, svc, authSvc)

	mainLog.Info("AgentNexus 守护进程启动",
		slog.String("addr", cfg.Server.Address),
		slog.Any("chains", chains.Supported()),
		slog.String("bridge", cfg.Bridge.Driver),
		slog.String("store", cfg.Deployment.Store),
		slog.String("reconcile_queue", cfg.Reconcile.Queue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(sweeper.Run(gctx)) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address)) })
	}
	err = g.Wait()
	mainLog.Info("AgentNexus 守护进程退出")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildBridge(cfg *config.Config) (bridge.Connector, bridge.StatusChecker, error) {
	switch cfg.Bridge.Driver {
	case "memory":
		ledger := bridge.NewLedger(bridge.WithLedgerToken(cfg.Deployment.Token, cfg.Deployment.TokenDecimals))
		for _, seed := range cfg.Bridge.Seed {
			if !common.IsHexAddress(seed.Wallet) {
				return nil, nil, fmt.Errorf("bridge.seed 钱包地址非法: %s", seed.Wallet)
			}
			ledger.Deposit(common.HexToAddress(seed.Wallet), seed.ChainID, seed.Amount)
		}
		return ledger, ledger, nil
	case "nexus":
		conn, err := nexus.NewConnector(nexus.Config{BaseURL: cfg.Bridge.BaseURL, APIKey: cfg.Bridge.APIKey, Decimals: cfg.Deployment.TokenDecimals}, nil)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil
	default:
		return nil, nil, fmt.Errorf("未知的桥接驱动: %s", cfg.Bridge.Driver)
	}
}

func buildStores(ctx context.Context, cfg *config.Config) (deployment.Store, deployment.HistoryStore, error) {
	switch cfg.Deployment.Store {
	case "memory":
		return deployment.NewMemoryStore(), deployment.NewMemoryHistory(), nil
	case "file":
		store, err := deployment.OpenFileStore(filepath.Join(cfg.Runtime.DataDir, "deployments.json"))
		if err != nil {
			return nil, nil, err
		}
		history, err := deployment.OpenFileHistory(filepath.Join(cfg.Runtime.DataDir, "batches.jsonl"))
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, history, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{DSN: cfg.Deployment.DSN})
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewDeploymentStoreWithDB(db), mysql.NewHistoryStoreWithDB(db), nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Deployment.Store)
	}
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "log":
		return events.NewLogPublisher(), nil
	case "nats":
		return events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.URL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Name:          "agentnexusd",
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (reconcile.Queue, error) {
	switch cfg.Reconcile.Queue {
	case "memory":
		return reconcile.NewMemoryQueue(1024), nil
	case "redis":
		return reconcile.NewRedisQueue(ctx, reconcile.RedisQueueConfig{
			Address:  cfg.Reconcile.Redis.Address,
			Password: cfg.Reconcile.Redis.Password,
			DB:       cfg.Reconcile.Redis.DB,
			Queue:    cfg.Reconcile.QueueName,
		})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:      cfg.Reconcile.RabbitMQ.URL,
			Queue:    cfg.Reconcile.QueueName,
			Prefetch: cfg.Reconcile.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Reconcile.Queue)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	client := &http.Client{Timeout: 10 * time.Second}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL, Client: client})
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerting.SlackWebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}
