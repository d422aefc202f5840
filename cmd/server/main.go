package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/trial-replay/internal/app"
	"github.com/annel0/trial-replay/internal/config"
	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/observability"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $REPLAY_CONFIG)")
	envFile := flag.String("env", ".env", "файл переменных окружения")
	flag.Parse()

	// .env не обязателен
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  Не удалось прочитать %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка конфигурации: %v", err)
	}

	logging.LogDir = cfg.Log.Dir
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	lm := logging.GetLoggerManager()
	defer lm.CloseAll()

	level := logging.ParseLevel(cfg.Log.Level)
	logging.SetDefaultLevel(level)
	lm.SetDefaultLevel(level)
	for component, lvl := range cfg.Log.Components {
		lm.MustGetLogger(component)
		if err := lm.SetLogLevel(component, logging.ParseLevel(lvl), logging.DEBUG); err != nil {
			logging.Warn("Log level for %s: %v", component, err)
		}
	}

	logging.Info("▶️ Запуск сервиса воспроизведения испытаний...")
	logging.Info("📡 Конфигурация: REST=%s, timeseries=%s, catalog=%s, cache=%s",
		cfg.RESTAddr(), cfg.TimeSeries.Driver, cfg.Catalog.Driver, cfg.Cache.Backend)

	ctx := context.Background()

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		logging.Error("❌ Ошибка инициализации OpenTelemetry: %v", err)
		log.Fatalf("❌ Ошибка инициализации OpenTelemetry: %v", err)
	}

	service, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		logging.Error("❌ Ошибка сборки сервиса: %v", err)
		log.Fatalf("❌ Ошибка сборки сервиса: %v", err)
	}
	service.Start()

	logging.Info("✅ Сервис запущен")
	logging.Info("   🌐 REST API: http://localhost%s/trial", cfg.RESTAddr())
	logging.Info("   ❤️  Health check: http://localhost%s/health", cfg.RESTAddr())
	logging.Info("💡 curl -X POST 'http://localhost%s/trial/1/history_data?rate=2'", cfg.RESTAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
	case err := <-service.Errors():
		logging.Error("❌ Ошибка сервера: %v", err)
	}

	// === GRACEFUL SHUTDOWN ===
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := service.Stop(stopCtx); err != nil {
		logging.Error("❌ Ошибка остановки: %v", err)
	}
	if err := shutdownTelemetry(stopCtx); err != nil {
		logging.Warn("OpenTelemetry shutdown: %v", err)
	}

	logging.Info("👋 Сервис остановлен")
}
