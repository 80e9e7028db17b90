package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/config"
	"maskrelay/agent/internal/logger"
	"maskrelay/agent/internal/masks"
	"maskrelay/agent/internal/monitoring"
	"maskrelay/agent/internal/phone"
	"maskrelay/agent/internal/pool"
	"maskrelay/agent/internal/relaynumber"
	httptransport "maskrelay/agent/internal/transport/http"
	"maskrelay/agent/internal/websocket"
)

// main 是掩码中继代理的程序入口。代理在回环地址上提供本地 API，
// 并维护与上游掩码服务之间的数据同步。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log := logger.FromAppConfig(cfg.Log.Level, cfg.Log.Development, cfg.Log.File)
	defer log.Sync()
	log.Info("starting maskrelay agent",
		zap.String("upstream", cfg.API.BaseURL),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化监控指标
	metrics := monitoring.NewMetrics()

	// 初始化上游客户端
	client, err := api.NewClient(api.Options{
		BaseURL:       cfg.API.BaseURL,
		Token:         cfg.API.Token,
		CSRFToken:     cfg.API.CSRFToken,
		RatePerSecond: cfg.API.RatePerSecond,
		Timeout:       cfg.API.Timeout,
		Logger:        log,
		Observer:      metrics,
	})
	if err != nil {
		log.Fatal("failed to create upstream client", zap.Error(err))
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 后台重新验证的协程池
	workerPool := pool.NewWorkerPool(4, 64, log)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	// 初始化资源缓存，可选挂接 Redis 快照镜像用于冷启动
	storeOpts := []cache.Option{
		cache.WithPool(workerPool),
		cache.WithObserver(metrics),
	}
	if cfg.Cache.RedisEnabled {
		mirror, err := cache.NewRedisMirror(cfg.Cache.RedisAddress, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, 24*time.Hour)
		if err != nil {
			log.Warn("redis mirror unavailable, continuing without snapshots", zap.Error(err))
		} else {
			defer mirror.Close()
			storeOpts = append(storeOpts, cache.WithMirror(mirror))
			log.Info("redis snapshot mirror enabled", zap.String("address", cfg.Cache.RedisAddress))
		}
	}
	store := cache.NewStore(cfg.Cache.TTL, log, storeOpts...)

	// 初始化数据层与流程状态机
	repo := masks.NewRepository(client, store, log)
	phoneFlow := phone.NewFlow(phone.Options{
		Client:   client,
		Store:    store,
		Window:   cfg.VerificationWindow(),
		Observer: metrics,
		Logger:   log,
	})
	relayFlow := relaynumber.NewFlow(relaynumber.Options{
		Client:   client,
		Store:    store,
		Observer: metrics,
		Logger:   log,
	})

	// 恢复两个流程的持久化状态。上游暂时不可达也不致命，
	// 资源缓存会在后台持续补抓。
	initCtx, cancelInit := context.WithTimeout(ctx, 15*time.Second)
	if err := phoneFlow.Init(initCtx); err != nil {
		log.Warn("phone flow init failed", zap.Error(err))
	}
	if err := relayFlow.Init(initCtx); err != nil {
		log.Warn("relay number flow init failed", zap.Error(err))
	}
	cancelInit()

	// 验证码窗口的秒级滴答
	phoneFlow.Start()
	defer phoneFlow.Stop()

	// 创建 WebSocket Hub 并订阅资源更新
	wsHub := websocket.NewHub(websocket.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AgentToken:     cfg.Server.AgentToken,
		Logger:         log,
		Connections:    metrics.WebSocketConnections,
	})
	store.Subscribe(wsHub)

	// 健康检查
	healthChecker := monitoring.NewHealthChecker(store, log, monitoring.HealthOptions{
		UpstreamURL: cfg.API.BaseURL,
		ResourceKeys: []string{
			masks.KeyRandomMasks,
			masks.KeyCustomMasks,
			masks.KeyProfiles,
			phone.KeyRealPhone,
			relaynumber.KeyRelayNumber,
		},
	})

	// 创建 HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Masks:        repo,
		PhoneFlow:    phoneFlow,
		RelayFlow:    relayFlow,
		WebSocketHub: wsHub,
		Metrics:      metrics,
		Health:       healthChecker,
		Logger:       log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 启动 WebSocket Hub
	go func() {
		log.Info("starting WebSocket hub")
		wsHub.Run(ctx)
	}()

	// 启动缓存保鲜循环
	go func() {
		log.Info("starting cache refresh loop", zap.Duration("ttl", cfg.Cache.TTL))
		store.Run(ctx)
	}()

	// 启动 HTTP 服务器
	go func() {
		log.Info("agent listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("agent stopped cleanly")
	}
}
