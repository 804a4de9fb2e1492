package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/libs/config"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/libs/httpx"
	"github.com/md-rashed-zaman/apptsched/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptsched/libs/otel"
	"github.com/md-rashed-zaman/apptsched/libs/runtime"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/directory"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/grpcserver"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/notify"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/payment"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/reschedule"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type settings struct {
	lockTimeout   time.Duration
	pendingGrace  time.Duration
	cacheTTL      time.Duration
	indexTTL      time.Duration
	sweepSchedule string
	sweepBatch    int
	ratePerMinute int
	dbMaxConns    int
}

func loadSettings() (settings, error) {
	var s settings
	var err error
	if s.lockTimeout, err = config.Duration("LOCK_TIMEOUT", 3*time.Second); err != nil {
		return s, err
	}
	if s.pendingGrace, err = config.Duration("PENDING_GRACE", 15*time.Minute); err != nil {
		return s, err
	}
	if s.cacheTTL, err = config.Duration("DIRECTORY_CACHE_TTL", 5*time.Minute); err != nil {
		return s, err
	}
	if s.indexTTL, err = config.Duration("LEDGER_INDEX_TTL", 30*time.Second); err != nil {
		return s, err
	}
	if s.sweepBatch, err = config.Int("SWEEP_BATCH", 100); err != nil {
		return s, err
	}
	if s.ratePerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return s, err
	}
	if s.dbMaxConns, err = config.Int("DB_MAX_CONNS", 20); err != nil {
		return s, err
	}
	s.sweepSchedule = config.String("SWEEP_SCHEDULE", "@every 30s")
	return s, nil
}

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9093")
	if err != nil {
		panic(err)
	}
	st, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	clk := clock.Real()
	brokers := config.List("KAFKA_BROKERS", "")
	var checks []runtime.ReadyCheck

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisDB, err := config.Int("REDIS_DB", 0)
		if err != nil {
			panic(err)
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var (
		pool   *db.Pool
		store  ledger.Store
		dir    directory.Directory
		writer directory.Writer
	)
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err = db.Open(ctx, dbURL, db.PoolConfig{MaxConns: int32(st.dbMaxConns)})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		if err := storage.Migrate(ctx, pool); err != nil {
			logger.Error("schema migration failed", "err", err)
			panic(err)
		}
		store = storage.NewPostgresStore(pool)
		repo := storage.NewDirectoryRepository(pool)
		dir, writer = repo, repo
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = ledger.NewMemoryStore()
		mem := directory.NewMemory()
		dir, writer = mem, mem
	}

	var invalidator directory.Invalidator
	if rdb != nil {
		cache := directory.NewRedisCache(dir, rdb, st.cacheTTL, logger)
		dir, invalidator = cache, cache
	}
	applier := directory.NewApplier(writer, invalidator)
	if path := config.String("DIRECTORY_SEED_FILE", ""); path != "" {
		if err := seedDirectory(ctx, applier, path); err != nil {
			logger.Error("directory seed failed", "err", err, "path", path)
			panic(err)
		}
	}

	var dispatcher notify.Dispatcher = notify.LogDispatcher{Logger: logger}
	if pool != nil {
		outboxRepo := outbox.NewRepository(pool)
		dispatcher = notify.NewOutboxDispatcher(pool, outboxRepo)
		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   brokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
			Retention: 7 * 24 * time.Hour,
		})
		go publisher.Run(ctx)

		if len(brokers) > 0 {
			inboxRepo := inbox.NewRepository(pool)
			topics := config.List("KAFKA_DIRECTORY_TOPICS", directory.TopicStaffUpdated+","+directory.TopicServiceUpdated)
			reader := kafkax.NewReader(brokers, config.String("KAFKA_GROUP_ID", service), topics)
			directoryConsumer := consumer.New(reader, logger, inboxRepo, consumer.Config{
				Permanent: func(err error) bool {
					var malformed directory.MalformedEventError
					return errors.As(err, &malformed)
				},
			}, func(ctx context.Context, msg kafka.Message) error {
				return applier.Apply(ctx, msg.Topic, msg.Value)
			})
			go directoryConsumer.Run(ctx)
			go purgeInbox(ctx, inboxRepo, logger, 7*24*time.Hour)
		}
	}
	if len(brokers) > 0 {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	notifier := notify.NewAsync(dispatcher, logger, 5*time.Second)
	defer notifier.Wait()

	var gate payment.Gate = payment.Noop{}
	if key := config.String("STRIPE_SECRET_KEY", ""); key != "" {
		gate = payment.NewStripeGate(key)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, bookings confirm without payment")
	}

	g := guard.New(ledger.New(store, clk, st.indexTTL), logger, st.lockTimeout)
	coordinator := reschedule.New(g, clk, logger, reschedule.LogAlerter{Logger: logger}, reschedule.Config{
		PendingTTL: st.pendingGrace,
	})
	svc := booking.New(booking.Deps{
		Directory:    dir,
		Guard:        g,
		Coordinator:  coordinator,
		Gate:         gate,
		Notifier:     notifier,
		Clock:        clk,
		Logger:       logger,
		PendingGrace: st.pendingGrace,
	})

	sw := sweeper.New(g, clk, logger, notifier, st.sweepBatch)
	if err := sw.Start(ctx, st.sweepSchedule); err != nil {
		logger.Error("sweeper schedule invalid", "err", err, "schedule", st.sweepSchedule)
		panic(err)
	}

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(st.ratePerMinute, time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisLimiter(rdb, st.ratePerMinute, time.Minute, "ratelimit:booking:")
	}
	bookingHandler := handlers.NewBookingHandler(svc, logger, clk, handlers.Config{
		JWTSecret:           config.String("JWT_SECRET", ""),
		StripeWebhookSecret: config.String("STRIPE_WEBHOOK_SECRET", ""),
	})

	mux := runtime.NewBaseMuxWithReady(checks...)
	bookingHandler.Register(mux, httpx.RateLimit(limiter, logger, true))
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := grpcserver.Start(ctx, logger, ":"+grpcPort, grpcserver.NewHealth(logger, checks...), 5*time.Second); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	sw.Stop(shutdownCtx)
	logger.Info("http server stopped")
}

func purgeInbox(ctx context.Context, repo *inbox.Repository, logger *slog.Logger, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("inbox purge failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("inbox purged", "rows", n)
			}
		}
	}
}
