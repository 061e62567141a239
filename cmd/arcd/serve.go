package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ARC-Router/internal/api"
	"ARC-Router/internal/auth"
	"ARC-Router/internal/config"
	"ARC-Router/internal/dispatch"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/job"
	"ARC-Router/internal/observability/alerting"
	"ARC-Router/internal/observability/metrics"
	"ARC-Router/internal/routing"
	"ARC-Router/internal/session"
	"ARC-Router/pkg/logger"
)

func serve(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = config.Path()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("arcd")

	registry, err := buildRegistry(ctx, cfg.Adapters)
	if err != nil {
		return err
	}

	table, err := buildTable(cfg)
	if err != nil {
		return err
	}
	if cfg.Routing.Watch && cfg.Routing.RulesPath != "" {
		watcher, err := routing.NewWatcher(cfg.Routing.RulesPath, table, routing.WithReloadHook(func(f routing.RuleFile, err error) {
			if err != nil {
				log.Warn("路由规则重载失败，沿用当前规则", slog.Any("error", err))
				return
			}
			logger.Audit().Info("路由规则已重载", slog.Int("rules", len(f.All())))
		}))
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	engineCfg, err := cfg.Engine.Dispatch()
	if err != nil {
		return err
	}
	collector := metrics.Default()
	engine := dispatch.New(registry, table,
		dispatch.WithConfig(engineCfg),
		dispatch.WithObserver(collector),
	)

	sessions, err := session.Open(ctx, session.Config{
		Driver: cfg.Session.Driver,
		DSN:    cfg.Session.DSN,
		Redis: session.RedisConfig{
			Address:  cfg.Session.Redis.Address,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		},
		KeyPrefix:  cfg.Session.KeyPrefix,
		MaxEntries: cfg.Session.MaxEntries,
	})
	if err != nil {
		return err
	}

	queue, err := job.OpenQueue(ctx, job.QueueConfig{
		Driver: cfg.Queue.Driver,
		Buffer: cfg.Queue.Buffer,
		Redis: job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		},
		RabbitMQ: job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		},
	})
	if err != nil {
		_ = sessions.Close()
		return err
	}

	service := job.NewService(job.NewMemoryStore(), queue, cfg.Queue.MaxAttempts,
		job.WithExecutor(engine),
		job.WithSessions(sessions),
		job.WithAlertDispatcher(buildAlerts(cfg.Alerting)),
		job.WithMetrics(collector),
	)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭调度服务失败", slog.Any("error", err))
		}
	}()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	processor := job.NewProcessor(service, queue, job.WithWorkerCount(cfg.Queue.Workers))
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("arcd 启动完成",
		slog.String("config", configPath),
		slog.Any("adapters", registry.Names()),
		slog.Int("rules", len(table.ListRules())),
		slog.String("session_driver", cfg.Session.Driver),
		slog.String("queue_driver", cfg.Queue.Driver),
	)

	authService, err := auth.NewService(cfg.Server.APIKeys)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, service,
		api.WithAuth(authService),
		api.WithRoutes(table),
		api.WithRegistry(registry),
		api.WithMergeDefaults(engineCfg.Merge),
		api.WithMetrics(collector),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildTable 从规则文件构造路由表。规则文件没有默认规则时使用 routing.default_adapter，
// 再退回到第一个声明的适配器。
func buildTable(cfg *config.Config) (*routing.Table, error) {
	file, err := routing.LoadRules(cfg.Routing.RulesPath)
	if err != nil {
		return nil, err
	}
	def := routing.Rule{Primary: cfg.Routing.DefaultAdapter}
	switch {
	case file.Default != nil:
		def = *file.Default
	case def.Primary == "" && len(cfg.Adapters) > 0:
		def.Primary = cfg.Adapters[0].Name
	}
	if def.Primary == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置默认路由：需要 routes 文件的 default、routing.default_adapter 或至少一个适配器")
	}
	table, err := routing.NewTable(def)
	if err != nil {
		return nil, err
	}
	if err := table.Replace(file.Rules); err != nil {
		return nil, err
	}
	return table, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Format:  alerting.WebhookFormat(cfg.Webhook.Format),
			Headers: cfg.Webhook.Headers,
			Client:  &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
