package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/api/httpclient"
	"github.com/flybasist/wavebot/internal/bot"
	"github.com/flybasist/wavebot/internal/config"
	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/fsm"
	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/longpoll"
	"github.com/flybasist/wavebot/internal/metrics"
	"github.com/flybasist/wavebot/internal/middleware"
	"github.com/flybasist/wavebot/internal/migrations"
	"github.com/flybasist/wavebot/internal/postgresql"
	"github.com/flybasist/wavebot/internal/postgresql/repositories"
	"github.com/flybasist/wavebot/internal/settings"
	"github.com/flybasist/wavebot/internal/sink"
	"github.com/flybasist/wavebot/internal/token"
)

func main() {
	// Русский комментарий: Главная точка входа бота.
	// 1. Загружаем конфиг и логгер
	// 2. Подключаемся к PostgreSQL (если задан DSN) и применяем миграции
	// 3. Собираем API, хранилища токенов и FSM
	// 4. Настраиваем диспетчер, middleware и зеркала событий
	// 5. Запускаем long-poll сессии и ждём SIGINT/SIGTERM
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settingsPath := pflag.String("settings", "", "path to YAML settings file (overrides SETTINGS_FILE)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *settingsPath != "" {
		cfg.SettingsFile = *settingsPath
	}

	logger, err := logx.NewLogger(logx.Options{
		Level:      cfg.LogLevel,
		Pretty:     cfg.LogPretty,
		Filename:   logx.DefaultFilename,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wavebot",
		zap.String("bot_type", cfg.BotType),
		zap.Int("tokens", len(cfg.Tokens)),
		zap.Int64s("group_ids", cfg.GroupIDs),
		zap.String("api_version", cfg.APIVersion),
		zap.Duration("longpoll_wait", cfg.LongPollWait),
		zap.Bool("ignore_errors", cfg.IgnoreErrors),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// PostgreSQL опционален: без него FSM живёт в памяти, а токены сообществ берутся из пула и настроек
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = postgresql.ConnectToBase(ctx, cfg.PostgresDSN, logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer db.Close()

		if err := migrations.RunMigrationsIfNeeded(ctx, db, logger.Named("migrations")); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		logger.Info("database schema ready")
	}

	pool := token.NewPool(nil, token.FromStrings(cfg.Tokens, cfg.IsUser())...)
	client := httpclient.New(httpclient.DefaultBaseURL, &http.Client{Timeout: 30 * time.Second})
	policy := api.NewErrorDispatcher().
		Handle(api.CodeTooManyRequests, api.Retry(time.Second, 3)).
		Handle(api.CodeInternal, api.Retry(time.Second, 2))

	opts, err := api.NewOptions(pool, []api.Transport{client},
		api.WithVersion(cfg.APIVersion),
		api.WithErrorPolicy(policy),
		api.WithMetrics(m),
		api.WithLogger(logger.Named("api")),
	)
	if err != nil {
		return fmt.Errorf("failed to build api options: %w", err)
	}
	vk := api.New(opts)

	machine, stopFSM, err := newFSM(cfg, db, logger)
	if err != nil {
		return err
	}
	defer stopFSM()

	source, groupTokens, err := newTokenSource(ctx, cfg, st, vk, pool, db, logger)
	if err != nil {
		return err
	}

	platform := event.PlatformBot
	if cfg.IsUser() {
		platform = event.PlatformUser
	}
	d, err := dispatch.New(source,
		dispatch.WithPlatform(platform),
		dispatch.WithIgnoreErrors(cfg.IgnoreErrors),
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// Регистрируем middleware
	d.AddMiddleware(middleware.NewLogger(logger.Named("events")))
	d.AddMiddleware(middleware.NewMetrics(m))
	if len(cfg.BlacklistIDs) > 0 {
		d.AddMiddleware(middleware.NewBlacklist(cfg.BlacklistIDs...))
	}
	if cfg.RateLimitPerSec > 0 {
		d.AddMiddleware(middleware.NewRateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	}

	publishers, err := newPublishers(cfg)
	if err != nil {
		return err
	}
	if len(publishers) > 0 {
		defer func() {
			if err := publishers.Close(); err != nil {
				logger.Warn("failed to close publishers", zap.Error(err))
			}
		}()
		d.AddMiddleware(sink.NewMirror(publishers, 5*time.Second, logger.Named("sink")))
	}

	d.AddRouter(newRouter(machine, st.Admins, logger.Named("handlers")))

	sessions, err := newSessions(ctx, cfg, vk, client, groupTokens, m, logger)
	if err != nil {
		return err
	}

	botOpts := []bot.Option{
		bot.WithDrainTimeout(cfg.DrainTimeout),
		bot.WithLogger(logger.Named("bot")),
	}
	if cfg.MetricsAddr != "" {
		botOpts = append(botOpts, bot.WithWorker("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, reg, logger.Named("metrics"))
		}))
	}
	if cfg.KafkaOutbox != "" && len(cfg.KafkaBrokers) > 0 {
		outbox := sink.NewKafkaOutbox(cfg.KafkaBrokers, cfg.KafkaOutbox, vk.Context(), logger.Named("outbox"))
		defer outbox.Close()
		botOpts = append(botOpts, bot.WithWorker("outbox", outbox.Run))
	}

	b := bot.New(d, sessions, botOpts...)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	logger.Info("bot started, polling for updates...", zap.Int("sessions", len(sessions)))

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bot stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	logger.Info("received shutdown signal, shutting down bot...")
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, dispatch.ErrDrainTimeout) {
			return fmt.Errorf("bot stopped: %w", err)
		}
		if err != nil {
			logger.Warn("some handlers did not finish in time", zap.Error(err))
		}
		logger.Info("bot shutdown complete")
		return nil
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
		return errors.New("shutdown timeout exceeded")
	}
}

// newFSM выбирает бэкенд состояний: PostgreSQL, память с TTL или просто память.
func newFSM(cfg *config.Config, db *sql.DB, logger *zap.Logger) (*fsm.FSM, func(), error) {
	switch {
	case db != nil:
		repo := repositories.NewFSMRepository(db, cfg.FSMTTL)
		if cfg.FSMTTL <= 0 {
			return fsm.New(repo), func() {}, nil
		}
		// Просроченные состояния удаляем фоном, Get и так их не отдаёт
		sweeper := cron.New()
		_, err := sweeper.AddFunc("@every 10m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := repo.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("failed to delete expired fsm states", zap.Error(err))
				return
			}
			logger.Debug("expired fsm states deleted", zap.Int64("count", n))
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to schedule fsm cleanup: %w", err)
		}
		sweeper.Start()
		return fsm.New(repo), func() { <-sweeper.Stop().Done() }, nil
	case cfg.FSMTTL > 0:
		storage := fsm.NewTTLStorage(cfg.FSMTTL, logger.Named("fsm"))
		if err := storage.Start(time.Minute); err != nil {
			return nil, nil, fmt.Errorf("failed to start fsm sweeper: %w", err)
		}
		return fsm.New(storage), storage.Stop, nil
	default:
		return fsm.New(fsm.NewMemoryStorage()), func() {}, nil
	}
}

// newTokenSource строит источник токенов для событий.
// Для сообществ заполняет кеш group_id → токен из настроек и через groups.getById.
func newTokenSource(
	ctx context.Context,
	cfg *config.Config,
	st *settings.Config,
	vk *api.API,
	pool *token.Pool,
	db *sql.DB,
	logger *zap.Logger,
) (dispatch.TokenSource, *token.Storage[int64], error) {
	if cfg.IsUser() {
		return dispatch.UserSource{API: vk, Storage: token.NewUserStorage(pool)}, nil, nil
	}

	storageOpts := []token.StorageOption[int64]{
		token.WithSingleflight[int64](),
		token.WithAvailable(st.GroupTokens()),
	}
	if db != nil {
		storageOpts = append(storageOpts, token.WithResolver[int64](repositories.NewTokenRepository(db)))
	}
	groupTokens := token.NewStorage(storageOpts...)

	if err := bot.CachePotentialTokens(ctx, vk, groupTokens, logger.Named("tokens")); err != nil {
		// Пользовательские токены в пуле groups.getById не проходят, это не фатально
		logger.Warn("some tokens were not bound to groups", zap.Error(err))
	}
	logger.Info("group tokens cached", zap.Int("count", groupTokens.Len()))

	return dispatch.GroupSource{API: vk, Storage: groupTokens}, groupTokens, nil
}

// newPublishers подключает зеркала событий, заданные в конфиге.
func newPublishers(cfg *config.Config) (sink.Multi, error) {
	var publishers sink.Multi
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, sink.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.RabbitURL != "" {
		rabbit, err := sink.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			_ = publishers.Close()
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		publishers = append(publishers, rabbit)
	}
	return publishers, nil
}

// newSessions создаёт по сессии на сообщество или одну user-сессию.
func newSessions(
	ctx context.Context,
	cfg *config.Config,
	vk *api.API,
	poller longpoll.Poller,
	groupTokens *token.Storage[int64],
	m *metrics.Metrics,
	logger *zap.Logger,
) ([]*longpoll.Session, error) {
	opts := func(l *zap.Logger) []longpoll.Option {
		return []longpoll.Option{
			longpoll.WithWait(cfg.LongPollWait),
			longpoll.WithIgnoreErrors(cfg.IgnoreErrors),
			longpoll.WithLogger(l),
			longpoll.WithMetrics(m),
		}
	}

	if cfg.IsUser() {
		return []*longpoll.Session{
			longpoll.NewUser(vk.Context(), poller, opts(logger.Named("longpoll"))...),
		}, nil
	}

	sessions := make([]*longpoll.Session, 0, len(cfg.GroupIDs))
	for _, groupID := range cfg.GroupIDs {
		tok, err := groupTokens.Get(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("no token for group %d: %w", groupID, err)
		}
		// group_id в логгер добавляет сам NewBot
		sessions = append(sessions, longpoll.NewBot(vk.WithToken(tok), poller, groupID, opts(logger.Named("longpoll"))...))
	}
	return sessions, nil
}
