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
	"golang.org/x/sync/errgroup"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/logger"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/smtp"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/memory"
	"mailsink/backend/internal/storage/redis"
	sqlstore "mailsink/backend/internal/storage/sql"
	httptransport "mailsink/backend/internal/transport/http"
	"mailsink/backend/internal/websocket"
)

// main 启动同时包含 HTTP API 与 SMTP 收信的接收服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting mailsink server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("mail_domain", cfg.Mailbox.DefaultDomain),
	)

	// 存储层：配置了数据库就用 SQL，否则内存（开发环境）
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// Redis 快路径可选，连不上直接不用，正确性不依赖它
	var redisClient *redis.Client
	var cache *redis.Cache
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(&cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, fast paths disabled", zap.Error(err))
		} else {
			cache = redis.NewCache(redisClient)
			defer redisClient.Close()
			log.Info("redis fast paths enabled", zap.String("address", cfg.Redis.Address))
		}
	}

	metrics := monitoring.NewMetrics()

	var pinger health.Pinger
	if redisClient != nil {
		pinger = redisClient
	}
	healthChecker := health.NewHealthChecker(store, pinger, log)

	// WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	// 服务层。接口变量不能直接包一个 nil 指针，否则 nil 判断失效
	var mailboxCache service.MailboxCache
	if cache != nil {
		mailboxCache = cache
	}
	directory := service.NewDirectory(store, mailboxCache, metrics, log, cfg.Mailbox.AutoTTL)
	dedup := service.NewDeduplicator(store, cache, log)
	pipeline := service.NewPipeline(directory, dedup, store, wsHub, metrics, log, cfg.Webhook.Secret)
	mailboxService := service.NewMailboxService(store, mailboxCache, metrics, log, cfg.Mailbox.DefaultDomain, cfg.Mailbox.DefaultTTL)
	messageService := service.NewMessageService(store, mailboxService)

	if cfg.Webhook.Secret == "" {
		log.Warn("webhook secret not configured, inbound endpoint is unauthenticated")
	}

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		Pipeline:       pipeline,
		MailboxService: mailboxService,
		MessageService: messageService,
		WebSocketHub:   wsHub,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 收信服务器
	smtpBackend := smtp.NewBackend(pipeline, cfg.Mailbox.DefaultDomain, log)
	smtpServer := smtp.NewServer(smtpBackend, &cfg.SMTP)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 过期邮箱清理：惰性过期负责正确性，这里只回收老行
	group.Go(func() error {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		log.Info("starting expired mailbox reaper", zap.Duration("interval", time.Hour))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("reaper stopped")
				return nil
			case <-ticker.C:
				count, err := store.DeleteExpiredMailboxes(time.Now().Add(-24 * time.Hour))
				if err != nil {
					log.Error("failed to reap expired mailboxes", zap.Error(err))
				} else if count > 0 {
					log.Info("expired mailboxes reaped", zap.Int("count", count))
				}
			}
		}
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
