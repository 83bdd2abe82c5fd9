package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refbot/internal/bot"
	"refbot/internal/config"
	"refbot/internal/metrics"
	"refbot/internal/onboarding"
	"refbot/internal/referral"
	"refbot/internal/scheduler"
	"refbot/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName = "refbot"

	// Интервал обновления gauge активных диалогов
	sessionGaugeInterval = 15 * time.Second
	// Максимум профилей в одном отчете проверки целостности
	auditLimit = 100
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализация логгера
	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("запуск реферального бота",
		zap.String("env", cfg.App.Env),
		zap.String("storage", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("приложение завершилось с ошибкой", zap.Error(err))
	}

	logger.Info("приложение завершено")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Инициализация метрик
	metricsSystem := metrics.New(logger)

	// Инициализация хранилища
	backend, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	defer backend.Close()

	instrumented := store.Instrument(backend, metricsSystem)

	// Инициализация сервисов
	referralService := referral.NewService(instrumented, logger).WithRecorder(metricsSystem)
	dialog := onboarding.NewDialog(referralService, logger).WithRecorder(metricsSystem)

	messages, err := bot.NewMessages()
	if err != nil {
		return err
	}

	// Инициализация Telegram бота
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("ошибка инициализации Telegram бота: %w", err)
	}
	botAPI.Debug = cfg.Telegram.Debug

	logger.Info("Telegram бот инициализирован",
		zap.String("username", botAPI.Self.UserName),
		zap.Int64("id", botAPI.Self.ID))

	handler := bot.NewHandler(botAPI, botAPI.Self.UserName, dialog, referralService, messages, logger)

	// HTTP сервер метрик и статистики
	httpHandler := metrics.NewHandler(metricsSystem, serviceName, referralService.Stats, logger)

	// Периодические задачи
	jobs := scheduler.NewScheduler(logger)
	jobs.AddJob(scheduler.NewSessionGaugeJob(dialog, metricsSystem), sessionGaugeInterval)

	if auditor, ok := store.AsAuditor(instrumented); ok {
		jobs.AddJob(scheduler.NewIntegrityAuditJob(auditor, metricsSystem, auditLimit, logger), cfg.App.AuditInterval)
	} else {
		logger.Info("проверка целостности рефералов недоступна для этого хранилища")
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := botAPI.GetUpdatesChan(updateConfig)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return handler.Run(ctx, updates)
	})

	g.Go(func() error {
		return httpHandler.Run(ctx, fmt.Sprintf(":%d", cfg.App.Port))
	})

	g.Go(func() error {
		jobs.Start(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("получен сигнал завершения, начинаем graceful shutdown")
		// Останавливаем получение обновлений
		botAPI.StopReceivingUpdates()
		return nil
	})

	logger.Info("приложение запущено и готово к работе",
		zap.String("address", fmt.Sprintf("http://localhost:%d", cfg.App.Port)))

	return g.Wait()
}

// initLogger инициализирует логгер
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.App.IsDevelopment() {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = cfg.App.GetLogLevel()
	zapConfig.OutputPaths = []string{"stdout", "logs/app.log"}
	zapConfig.ErrorOutputPaths = []string{"stderr", "logs/error.log"}

	// Создаем директорию для логов если её нет
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	return zapConfig.Build()
}
