package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"survey-realtime-service/backend/config"
	"survey-realtime-service/backend/internal/cache"
	"survey-realtime-service/backend/internal/collab"
	"survey-realtime-service/backend/internal/detector"
	"survey-realtime-service/backend/internal/httpapi/handlers"
	"survey-realtime-service/backend/internal/httpapi/middleware"
	"survey-realtime-service/backend/internal/store"
	"survey-realtime-service/backend/internal/telemetry"
	"survey-realtime-service/backend/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("realtime server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Interval:     cfg.Telemetry.Interval,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(flushCtx)
	}()
	meter := telemetry.Meter()

	// === MySQL ===
	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// === Redis：一个地址单机，多个地址集群 ===
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	// === Kafka Producer（可选）===
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
	} else {
		slog.Warn("kafka brokers not configured, audit events are discarded")
	}
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(cfg.Kafka.InFlight),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
	)
	// 在 producer.Close 之前排空
	defer dispatcher.Close()

	// === 实时链路 ===
	hub := ws.NewHub()
	defer hub.Close()
	fanout := ws.NewFanout(hub, meter)
	coordinator := cache.NewCoordinator(rdb)
	responses := store.NewResponseStore(db)

	checkpoints := store.NewCheckpointStore(db, cfg.Detector.Source)
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		return err
	}
	det := detector.New(responses, coordinator, fanout, detector.Options{
		Interval:   cfg.Detector.Interval,
		BatchSize:  cfg.Detector.BatchSize,
		Watermarks: checkpoints,
		Meter:      meter,
	})
	if err := det.Start(ctx); err != nil {
		return fmt.Errorf("start detector: %w", err)
	}
	defer det.Stop()

	collabStore := collab.NewInMemoryStore()
	if cfg.Collab.IdleTTL > 0 {
		go sweepIdleSessions(ctx, collabStore, fanout, cfg.Collab.IdleTTL, cfg.Collab.SweepInterval)
	}

	// === HTTP ===
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", handlers.Health)

	auth := middleware.AuthMiddleware(cfg.Auth.Path, cfg.Auth.Timeout)
	manager := ws.NewManager(hub, fanout, cfg.Fanout.QueueSize, cfg.Running.AllowedOrigins)

	collabGroup := r.Group("/collab")
	// 从 Authorization 或 ?token= 取 token，校验后写入 Identity
	collabGroup.Use(auth)
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/stats", handlers.Stats(func(context.Context) gin.H {
		return gin.H{
			"detector":    det.Stats(),
			"fanout":      fanout.Stats(),
			"connections": hub.OpenConnections(),
			"audit":       dispatcher.Stats(),
		}
	}))
	handlers.NewCollaboration(collabStore, fanout, dispatcher).Register(collabGroup)

	analyticsGroup := r.Group("/analytics")
	analyticsGroup.Use(auth)
	handlers.NewAnalytics(coordinator, coordinator, responses).Register(analyticsGroup)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("realtime server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down realtime server")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	// hijack 之后的 websocket 不受 Shutdown 管理，由 defer hub.Close 关闭
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	slog.Info("realtime server exited")
	return nil
}

// sweepIdleSessions 定期关闭长时间无活动的协作会话，并通知房间内的连接
func sweepIdleSessions(ctx context.Context, s collab.Store, rooms *ws.Fanout, ttl, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			closed, err := s.SweepIdle(ctx, now.Add(-ttl))
			if err != nil {
				slog.WarnContext(ctx, "sweep idle sessions failed", "error", err)
				continue
			}
			for _, id := range closed {
				_, _ = rooms.BroadcastRoom(ws.SessionRoom(id), ws.NewSessionEvent(ws.EventSessionClosed, id, nil))
			}
			if len(closed) > 0 {
				slog.InfoContext(ctx, "closed idle sessions", "count", len(closed))
			}
		}
	}
}
