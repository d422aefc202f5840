// Package app собирает сервис воспроизведения из конфигурации: хранилища,
// кеш, приёмники, менеджер сессий и REST API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/annel0/trial-replay/internal/api"
	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/cache"
	"github.com/annel0/trial-replay/internal/config"
	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/notify"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/annel0/trial-replay/internal/timeseries"
	"github.com/annel0/trial-replay/internal/trial"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

// Options параметры, не входящие в файл конфигурации.
type Options struct {
	// Регистр метрик; nil = дефолтный.
	Registry *prometheus.Registry
	// NodeID узла для межузловой инвалидации; пусто = hostname-uuid.
	NodeID string
}

// App владеет всеми компонентами сервиса и порядком их остановки.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	reader   timeseries.Reader
	catalog  trial.Catalog
	cache    cache.TimelineCache
	memCache *cache.MemoryCache
	hub      *broadcast.Hub
	natsSink *broadcast.NATSSink
	notifier *notify.Notifier
	manager  *replay.Manager
	server   *api.RestServer

	metricsSrv   *http.Server
	exporters    []*broadcast.MetricsExporter
	stopListener func()
	closers      []namedCloser // в порядке открытия
	errCh        chan error
	started      bool
}

type namedCloser struct {
	name  string
	close func() error
}

// New открывает хранилища и собирает компоненты. При ошибке всё уже
// открытое закрывается.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{
		cfg:    cfg,
		logger: logging.GetServerLogger(),
		errCh:  make(chan error, 2),
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}

	if a.reader, err = a.openReader(cfg.TimeSeries); err != nil {
		return nil, err
	}
	if a.catalog, err = a.openCatalog(ctx, cfg.Catalog); err != nil {
		return nil, err
	}
	if a.cache, err = a.openCache(ctx, cfg.Cache, nodeID(opts.NodeID)); err != nil {
		return nil, err
	}

	pool := timeline.NewPool(cfg.Builder.Workers)
	builder := timeline.NewBuilder(a.reader, a.cache, pool, timeline.WithQueryTimeout(cfg.Builder.QueryTimeout))

	a.hub = broadcast.NewHub(cfg.Replay.SubscriberBuffer)
	a.closers = append(a.closers, namedCloser{"hub", func() error { a.hub.Close(); return nil }})
	a.stopListener = broadcast.StartLoggingListener(a.hub, logging.GetBroadcastLogger())

	hubExporter := broadcast.NewMetricsExporter(a.hub, "hub", registerer)
	a.exporters = append(a.exporters, hubExporter)

	sink := broadcast.Sink(a.hub)
	if cfg.Broadcast.NATSURL != "" {
		a.natsSink, err = broadcast.NewNATSSink(broadcast.NATSConfig{
			URL:           cfg.Broadcast.NATSURL,
			Stream:        cfg.Broadcast.Stream,
			SubjectPrefix: cfg.Broadcast.SubjectPrefix,
			Retention:     cfg.Broadcast.Retention,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"nats sink", a.natsSink.Close})
		a.exporters = append(a.exporters, broadcast.NewMetricsExporter(a.natsSink, "nats", registerer))
		sink = broadcast.MultiSink{a.hub, a.natsSink}
	}

	var listener replay.Listener
	if len(cfg.Notify.Webhooks) > 0 {
		targets := make([]notify.Target, 0, len(cfg.Notify.Webhooks))
		for _, wh := range cfg.Notify.Webhooks {
			targets = append(targets, notify.Target{Name: wh.Name, URL: wh.URL, Secret: wh.Secret, Events: wh.Events})
		}
		a.notifier = notify.NewNotifier(notify.Config{
			ServerID:   cfg.Notify.ServerID,
			Timeout:    cfg.Notify.Timeout,
			RetryCount: cfg.Notify.RetryCount,
			Targets:    targets,
		})
		listener = a.notifier
	}

	a.manager = replay.NewManager(a.catalog, a.cache, builder, sink, replay.Config{
		DefaultRate: cfg.Replay.DefaultRate,
		TopicPrefix: cfg.Replay.TopicPrefix,
		Listener:    listener,
	})

	a.server = api.NewRestServer(api.Config{
		Port:        cfg.RESTAddr(),
		Manager:     a.manager,
		Hub:         a.hub,
		ServiceName: cfg.Telemetry.ServiceName,
		Registerer:  registerer,
		Gatherer:    gatherer,
	})

	if cfg.Server.MetricsPort > 0 && cfg.Server.MetricsPort != cfg.Server.RESTPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: cfg.MetricsAddr(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

func nodeID(id string) string {
	if id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "replay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// openReader выбирает временное хранилище по драйверу.
func (a *App) openReader(cfg config.TimeSeriesConfig) (timeseries.Reader, error) {
	switch cfg.Driver {
	case "memory":
		a.logger.Warn("⚠️ Using in-memory time-series store (empty, for development only)")
		return timeseries.NewMemoryReader(), nil
	case "badger":
		r, err := timeseries.NewBadgerReader(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"badger", r.Close})
		return r, nil
	case "mysql", "sqlite":
		r, err := timeseries.NewSQLReader(cfg.Driver, cfg.DSN, cfg.TablePrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"timeseries " + cfg.Driver, r.Close})
		return r, nil
	default:
		return nil, fmt.Errorf("unknown timeseries driver %q", cfg.Driver)
	}
}

// openCatalog выбирает каталог испытаний по драйверу.
func (a *App) openCatalog(ctx context.Context, cfg config.CatalogConfig) (trial.Catalog, error) {
	var (
		c   trial.Catalog
		err error
	)
	switch cfg.Driver {
	case "memory":
		a.logger.Warn("⚠️ Using in-memory trial catalog (empty, for development only)")
		c = trial.NewMemoryCatalog()
	case "mysql":
		c, err = trial.NewMariaCatalog(cfg.DSN)
	case "sqlite":
		c, err = openSQLiteCatalog(ctx, cfg.DSN)
	case "mongo":
		c, err = trial.NewMongoCatalog(trial.MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
	default:
		err = fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"catalog " + cfg.Driver, c.Close})
	return c, nil
}

// sqliteCatalog владеет соединением, которое NewSQLCatalog не закрывает.
type sqliteCatalog struct {
	*trial.MariaCatalog
	db *sql.DB
}

func (c sqliteCatalog) Close() error { return c.db.Close() }

func openSQLiteCatalog(ctx context.Context, dsn string) (trial.Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite catalog: %w", err)
	}
	c := trial.NewSQLCatalog(db)
	if err := c.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sqliteCatalog{MariaCatalog: c, db: db}, nil
}

// openCache создаёт кеш таймлайнов и, если задан NATS, оборачивает его
// межузловой инвалидацией.
func (a *App) openCache(ctx context.Context, cfg config.CacheConfig, node string) (cache.TimelineCache, error) {
	opts := cache.Options{
		MaximumSize:      cfg.MaximumSize,
		ExpireAfterWrite: cfg.ExpireAfterWrite,
		RunningTTL:       cfg.RunningTrialTTL,
	}

	var local cache.TimelineCache
	switch cfg.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, opts)
		if err != nil {
			return nil, err
		}
		local = rc
	default:
		a.memCache = cache.NewMemoryCache(opts)
		if err := a.memCache.StartSweeper(cfg.SweepInterval); err != nil {
			a.memCache.Close()
			return nil, err
		}
		local = a.memCache
	}

	if cfg.NATSURL == "" {
		a.closers = append(a.closers, namedCloser{"cache " + cfg.Backend, local.Close})
		return local, nil
	}

	inv, err := cache.NewNATSInvalidator(&cache.InvalidatorConfig{NATSURL: cfg.NATSURL, Subject: cfg.NATSSubject}, node)
	if err != nil {
		local.Close()
		return nil, err
	}
	dc, err := cache.WithInvalidator(ctx, local, inv)
	if err != nil {
		inv.Close()
		local.Close()
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"cache " + cfg.Backend + "+nats", dc.Close})
	return dc, nil
}

// Manager менеджер воспроизведений.
func (a *App) Manager() *replay.Manager { return a.manager }

// Hub in-process рассылка.
func (a *App) Hub() *broadcast.Hub { return a.hub }

// Handler HTTP обработчик REST API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Catalog каталог испытаний.
func (a *App) Catalog() trial.Catalog { return a.catalog }

// Start запускает HTTP серверы и экспорт метрик. Не блокируется; ошибки
// серверов приходят в Errors().
func (a *App) Start() {
	a.started = true
	for _, e := range a.exporters {
		e.Start(a.cfg.Broadcast.StatsInterval)
	}

	go func() {
		if err := a.server.Start(); err != nil {
			a.errCh <- err
		}
	}()

	if a.metricsSrv != nil {
		go func() {
			a.logger.Info("📈 Metrics listening on %s/metrics", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
}

// Errors ошибки HTTP серверов после Start.
func (a *App) Errors() <-chan error { return a.errCh }

// Stop останавливает приём запросов, отменяет сессии и закрывает хранилища.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rest server: %w", err))
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.started {
		for _, e := range a.exporters {
			e.Stop()
		}
	}
	if a.stopListener != nil {
		a.stopListener()
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeAll закрывает ресурсы в обратном порядке открытия.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("Failed to close %s: %v", c.name, err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
