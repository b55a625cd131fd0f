package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mobilepay/internal/config"
	"mobilepay/internal/gateway"
	"mobilepay/internal/handler"
	"mobilepay/internal/infrastructure/cache"
	"mobilepay/internal/infrastructure/database"
	"mobilepay/internal/infrastructure/lock"
	"mobilepay/internal/infrastructure/mq"
	"mobilepay/internal/job"
	"mobilepay/internal/metrics"
	"mobilepay/internal/service"
	"mobilepay/pkg/idgen"
	"mobilepay/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "msg", "加载配置失败")
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Fatal(err, "msg", "初始化日志失败")
	}
	defer logger.Sync()

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Business.WorkerID); err != nil {
		logger.Fatal(err, "msg", "初始化 ID 生成器失败")
	}

	// 初始化存储
	store, err := database.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal(err, "msg", "初始化存储失败")
	}
	defer store.Close()

	// 对账锁：启用 Redis 时跨实例互斥，否则进程内互斥
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedis(&cfg.Redis)
		if err != nil {
			logger.Fatal(err, "msg", "初始化 Redis 失败")
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, cfg.Business.LockTTL())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	gw := gateway.NewPayHeroClient(&cfg.Gateway, m)

	eventTopic := ""
	if cfg.Kafka.Enabled {
		eventTopic = cfg.Kafka.Topic.TransactionResult
	}

	services := service.New(service.Options{
		Store:      store,
		Gateway:    gw,
		Locker:     locker,
		Metrics:    m,
		EventTopic: eventTopic,
		Policy: service.AmountPolicy{
			Min: cfg.Business.MinAmountDecimal(),
			Max: cfg.Business.MaxAmountDecimal(),
		},
		RedirectBase: cfg.Business.RedirectBase,
	})

	poller := job.NewStatusPoller(gw, services.Reconcile, job.PollerConfig{
		InitialDelay: cfg.Business.PollInitialDelay(),
		Interval:     cfg.Business.PollInterval(),
		MaxAttempts:  cfg.Business.PollMaxAttempts,
	}, m)
	services.Payment.SetTracker(poller)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			logger.Fatal(err, "msg", "初始化 Kafka 失败")
		}
		defer producer.Close()

		outboxSender := job.NewOutboxSender(store.Outbox(), producer, cfg.Business.MaxRetryCount, m)
		go outboxSender.Start(ctx)
	}

	staleCreatedJob := job.NewStaleCreatedJob(store, services.Reconcile, cfg.Business.CreatedTimeout())
	go staleCreatedJob.Start(ctx)

	compensateJob := job.NewPendingCompensateJob(store, gw, services.Reconcile, poller, cfg.Business.PendingTimeout())
	go compensateJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(services, store, gw), reg, cfg.Server.Mode)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		logger.Info("服务启动", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err, "msg", "服务启动失败")
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", "error", err)
	}

	// 取消上下文，停止后台任务和轮询
	cancel()
	poller.Stop()

	logger.Info("服务已关闭")
}
