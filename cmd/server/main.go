package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inventory_engine/internal/config"
	"inventory_engine/internal/logger"
	"inventory_engine/internal/lowstock"
	"inventory_engine/internal/notify"
	"inventory_engine/internal/queue"
	"inventory_engine/internal/reservation"
	"inventory_engine/internal/router"
	"inventory_engine/internal/store"
	rediskey "inventory_engine/pkg/redis"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger 还没建好
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 数据库（通知、死信、游标、sql 模式下的库存）
	db, err := store.OpenDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal("connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	var inventory store.Store
	switch cfg.StoreDriver {
	case "sql":
		inventory = store.NewGormStore(db)
	default:
		inventory = store.NewRedisStore(rdb)
	}

	// 3. 低库存事件发布：Stream 持久日志 + Pub/Sub 广播 + DB 死信
	streamLog := queue.NewStreamLog(rdb, cfg.LowStockStream, cfg.LowStockStreamMaxLen)
	broadcast := queue.NewBroadcast(rdb, cfg.LowStockChannel)
	publisher := lowstock.NewPublisher(streamLog, broadcast, lowstock.NewDeadLetterStore(db), lowstock.PublisherConfig{
		Shards:      cfg.PublisherShards,
		QueueSize:   cfg.PublisherQueueSize,
		MaxAttempts: cfg.PublishMaxAttempts,
	}, log)
	// 发布 worker 不跟随信号退出，由 Stop 排空
	publisher.Start(context.WithoutCancel(ctx))

	// 4. 预留引擎 + 过期清扫
	engine := reservation.NewEngine(inventory, log,
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithSink(publisher),
		reservation.WithRetry(cfg.StoreRetryMaxAttempts, func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		}),
	)
	sweeper := reservation.NewSweeper(engine, rediskey.NewLock(rdb, rediskey.SweepLockKey()),
		cfg.SweepInterval, cfg.SweepLockTTL, cfg.SweepBatchSize, log)

	// 5. 通知分发
	repo := notify.NewRepository(db)
	email := notify.NewEmailChannel(&notify.SMTPMailer{
		Addr:     cfg.SMTPAddr,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}, cfg.EmailFrom)
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Name:            cfg.DispatcherName,
		BatchSize:       cfg.DispatchBatchSize,
		Concurrency:     cfg.DispatchConcurrency,
		Block:           cfg.DispatchBlock,
		SendTimeout:     cfg.SendTimeout,
		SendMaxAttempts: cfg.SendMaxAttempts,
		PendingLease:    cfg.PendingLease,
	}, notify.DispatcherDeps{
		Log:     streamLog,
		Live:    broadcast,
		Cursors: notify.NewCursorStore(db),
		Repo:    repo,
		Dir:     notify.NewGormDirectory(db),
		Channels: []notify.Channel{
			email,
			notify.NewInAppChannel(db, rdb, log),
		},
		Redis: rdb,
	}, log)

	var workers errgroup.Group
	workers.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	workers.Go(func() error {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher stopped", zap.Error(err))
		}
		return nil
	})
	workers.Go(func() error {
		if err := dispatcher.RunLive(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("live dispatcher stopped", zap.Error(err))
		}
		return nil
	})

	// 6. Kafka（可选）：事件转发到下游 + 消费商品创建事件
	if cfg.KafkaEnabled {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaLowStockTopic)
		defer func() { _ = producer.Close() }()
		relay := queue.NewRelay(rdb, producer, cfg.LowStockStream, cfg.RelayGroup, cfg.RelayConsumer, log)
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaProductTopic, cfg.KafkaGroupID,
			engine, cfg.DefaultReorderLevel, log)
		defer func() { _ = consumer.Close() }()

		workers.Go(func() error {
			relay.Run(ctx)
			return nil
		})
		workers.Go(func() error {
			consumer.Run(ctx)
			return nil
		})
		log.Info("kafka enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// 7. HTTP
	r := gin.New()
	r.Use(logger.GinMiddleware(log), logger.Recovery(log))
	router.Setup(r, router.Deps{
		Engine:           engine,
		Notifications:    repo,
		Publisher:        publisher,
		Dispatcher:       dispatcher,
		Redis:            rdb,
		DispatcherName:   cfg.DispatcherName,
		TestChannel:      email,
		AdminEmail:       cfg.AdminEmail,
		DefaultThreshold: cfg.DefaultReorderLevel,
		RateLimit:        cfg.ReserveRateLimit,
		RateWindow:       cfg.ReserveRateWindow,
		Log:              log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// HTTP 和后台 worker 都停下后不再有新事件，再排空发布队列，未发出的进入死信
	_ = workers.Wait()
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Warn("publisher stop", zap.Error(err))
	}
	log.Info("bye")
}
