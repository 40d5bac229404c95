package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ChainDCA/internal/api"
	"ChainDCA/internal/authorizer"
	"ChainDCA/internal/chain"
	"ChainDCA/internal/config"
	"ChainDCA/internal/credential"
	"ChainDCA/internal/observability/alerting"
	"ChainDCA/internal/observability/metrics"
	"ChainDCA/internal/order"
	"ChainDCA/internal/quote"
	"ChainDCA/internal/relay"
	"ChainDCA/internal/schedule"
	"ChainDCA/pkg/logger"
)

// main 是 ChainDCA 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("dcad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINDCA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chaindca.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 会话密钥主密钥只从环境变量读取。
	masterKey := strings.TrimSpace(os.Getenv(cfg.Credential.MasterKeyEnv))
	if masterKey == "" {
		return fmt.Errorf("缺少主密钥环境变量 %s", cfg.Credential.MasterKeyEnv)
	}
	sealer, err := credential.NewSealer(masterKey)
	if err != nil {
		return err
	}

	orderStore, credentialStore, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = credentialStore.Close()
		_ = orderStore.Close()
	}()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭触发队列失败", "error", err)
		}
	}()

	chains, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return err
	}

	resolver, err := quote.NewHTTPResolver(quote.HTTPResolverConfig{
		BaseURL:        cfg.Aggregator.BaseURL,
		APIKey:         strings.TrimSpace(os.Getenv(cfg.Aggregator.APIKeyEnv)),
		Timeout:        time.Duration(cfg.Aggregator.TimeoutSeconds) * time.Second,
		MaxSlippageBps: cfg.Policy.MaxSlippageBps,
	})
	if err != nil {
		return err
	}

	submitter, err := relay.NewBundler(ctx, relay.BundlerConfig{
		Endpoint:       cfg.Relay.Endpoint,
		ConfirmTimeout: time.Duration(cfg.Relay.ConfirmTimeoutSecs) * time.Second,
		PollInterval:   time.Duration(cfg.Relay.PollIntervalSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer submitter.Close()

	signer := authorizer.New(credentialStore, sealer, chains.Routers())

	executorOpts := []schedule.ExecutorOption{
		schedule.WithAlertDispatcher(alerting.NewFanout()),
	}

	if cfg.Chain.RPCURL != "" {
		chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		executorOpts = append(executorOpts, schedule.WithBalanceReader(chainClient))
	}

	if cfg.Gate.Driver == "redis" {
		gate, err := schedule.NewRedisGate(schedule.RedisGateConfig{
			Address:  cfg.Gate.Redis.Address,
			Password: cfg.Gate.Redis.Password,
			DB:       cfg.Gate.Redis.DB,
		})
		if err != nil {
			return err
		}
		executorOpts = append(executorOpts, schedule.WithGate(gate))
	}

	executor := schedule.NewExecutor(
		orderStore,
		credentialStore,
		resolver,
		signer,
		submitter,
		schedule.Policy{
			MaxSlippageBps:     cfg.Policy.MaxSlippageBps,
			PauseAfterFailures: cfg.Policy.PauseAfterFailures,
			ConfirmTimeout:     time.Duration(cfg.Policy.ConfirmTimeoutSecs) * time.Second,
			LeaseMargin:        time.Duration(cfg.Policy.LeaseMarginSeconds) * time.Second,
		},
		executorOpts...,
	)

	processor := schedule.NewProcessor(executor, queue,
		schedule.WithWorkerCount(cfg.Sweep.Workers),
	)
	reconciler := schedule.NewReconciler(orderStore, queue, cfg.Sweep.BatchSize)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("执行处理器异常退出", "error", err)
		}
	}()
	go func() {
		interval := time.Duration(cfg.Sweep.IntervalSeconds) * time.Second
		if err := reconciler.Run(workerCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("到期扫描异常退出", "error", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	orderService := order.NewService(orderStore)
	credentialService := credential.NewService(credentialStore, sealer)
	server := api.NewServer(cfg.Server.Address, orderService, credentialService, reconciler)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildStores 按配置选择订单与凭证存储。MySQL 模式下两者共用同一个连接池。
func buildStores(cfg *config.Config) (order.Store, credential.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return order.NewMemoryStore(), credential.NewMemoryStore(), nil
	case "mysql":
		orderStore, err := order.NewMySQLStore(order.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetimeDuration(),
		})
		if err != nil {
			return nil, nil, err
		}
		credentialStore, err := credential.NewMySQLStore(orderStore.DB())
		if err != nil {
			_ = orderStore.Close()
			return nil, nil, err
		}
		return orderStore, credentialStore, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// buildQueue 按配置选择触发队列驱动。
func buildQueue(cfg *config.Config) (schedule.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return schedule.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return schedule.NewRedisQueue(schedule.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
	case "rabbitmq":
		return schedule.NewRabbitMQQueue(schedule.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
