package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/middleware"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer представляет REST API сервиса воспроизведения
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	manager *replay.Manager
	hub     *broadcast.Hub
	metrics *ServerMetrics
	logger  *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port        string          // адрес вида ":8088"
	Manager     *replay.Manager // менеджер воспроизведений
	Hub         *broadcast.Hub  // nil отключает SSE эндпоинты
	ServiceName string          // имя сервиса для otelgin и префикс метрик

	// Регистр метрик HTTP; nil = дефолтный.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}
	if config.ServiceName == "" {
		config.ServiceName = "trial_replay"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware(config.ServiceName))
	router.Use(middleware.NewRequestLogger().Handler())

	promMw := middleware.NewPrometheusMiddleware(metricsNamespace(config.ServiceName), config.Registerer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	rs := &RestServer{
		router:  router,
		manager: config.Manager,
		hub:     config.Hub,
		metrics: NewServerMetrics(),
		logger:  logging.GetServerLogger(),
	}
	rs.server = &http.Server{
		Addr:              config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rs.setupRoutes()
	return rs
}

// metricsNamespace приводит имя сервиса к допустимому имени метрики.
func metricsNamespace(service string) string {
	b := []byte(service)
	for i, ch := range b {
		if !(ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_') {
			b[i] = '_'
		}
	}
	return string(b)
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	// CORS
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	tr := rs.router.Group("/trial")
	{
		// воспроизведение испытания
		tr.POST("/:id/history_data", rs.handleStartReplay)
		tr.GET("/:id/history_data", rs.handleHistory)
		tr.GET("/:id/history_stream", rs.handleReplayStream)
		tr.DELETE("/:id/history_cache", rs.handleInvalidateCache)

		// управление активными сессиями
		tr.GET("/history_data", rs.handleSessions)
		tr.PUT("/history_data/:subscriberId/rate", rs.handleSetRate)
		tr.DELETE("/history_data/:subscriberId", rs.handleCancel)
		tr.GET("/history_data/:subscriberId/stream", rs.handleSubscriberStream)

		tr.GET("/history_cache/stats", rs.handleCacheStats)
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Handler корневой http.Handler (тесты, встраивание).
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start запускает REST сервер и блокируется до Stop.
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 REST API listening on %s", rs.server.Addr)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server: %w", err)
	}
	return nil
}

// Stop останавливает сервер, дожидаясь завершения запросов до отмены ctx.
// Открытые SSE потоки закрываются вместе с сессиями менеджера.
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}

// StartReplayResponse ответ на запуск воспроизведения
type StartReplayResponse struct {
	SubscriberID string  `json:"subscriberId"`
	TrialID      int64   `json:"trialId"`
	Topic        string  `json:"topic"`
	Rate         float64 `json:"rate"`
	Entries      int     `json:"entries"`
}

// SetRateRequest тело PUT .../rate
type SetRateRequest struct {
	Rate *float64 `json:"rate" binding:"required"`
}

// handleStartReplay запускает воспроизведение и возвращает ID подписчика
func (rs *RestServer) handleStartReplay(c *gin.Context) {
	trialID, ok := trialParam(c)
	if !ok {
		return
	}
	opts, ok := rateOptions(c)
	if !ok {
		return
	}

	s, err := rs.manager.StartReplay(c.Request.Context(), trialID, opts...)
	if err != nil {
		failErr(c, err)
		return
	}

	snap := s.Snapshot()
	respond(c, StartReplayResponse{
		SubscriberID: s.ID(),
		TrialID:      trialID,
		Topic:        s.Topic(),
		Rate:         snap.Rate,
		Entries:      snap.Total,
	})
}

// handleHistory возвращает собранный таймлайн без воспроизведения
func (rs *RestServer) handleHistory(c *gin.Context) {
	trialID, ok := trialParam(c)
	if !ok {
		return
	}

	tl, err := rs.manager.History(c.Request.Context(), trialID)
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, tl)
}

// handleSetRate меняет скорость активной сессии
func (rs *RestServer) handleSetRate(c *gin.Context) {
	subscriberID := c.Param("subscriberId")

	var rate float64
	if q, exists := c.GetQuery("rate"); exists {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid rate: "+q)
			return
		}
		rate = v
	} else {
		var req SetRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		rate = *req.Rate
	}

	applied, err := rs.manager.SetRate(subscriberID, rate)
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, gin.H{"subscriberId": subscriberID, "rate": applied})
}

// handleCancel останавливает активную сессию
func (rs *RestServer) handleCancel(c *gin.Context) {
	subscriberID := c.Param("subscriberId")
	if err := rs.manager.Cancel(subscriberID); err != nil {
		failErr(c, err)
		return
	}
	respond(c, gin.H{"subscriberId": subscriberID, "cancelled": true})
}

// handleSessions список активных сессий
func (rs *RestServer) handleSessions(c *gin.Context) {
	sessions := rs.manager.Sessions()
	respond(c, gin.H{"sessions": sessions, "total": len(sessions)})
}

// handleInvalidateCache сбрасывает кешированный таймлайн испытания
func (rs *RestServer) handleInvalidateCache(c *gin.Context) {
	trialID, ok := trialParam(c)
	if !ok {
		return
	}
	if err := rs.manager.InvalidateTrial(c.Request.Context(), trialID); err != nil {
		failErr(c, err)
		return
	}
	respond(c, gin.H{"trialId": trialID, "invalidated": true})
}

// handleCacheStats счётчики кеша таймлайнов
func (rs *RestServer) handleCacheStats(c *gin.Context) {
	respond(c, rs.manager.CacheStats())
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	report := rs.metrics.Report()
	report.ActiveSessions = len(rs.manager.Sessions())
	report.CachedTrials = rs.manager.CacheStats().Size
	respond(c, report)
}

// trialParam разбирает :id. При ошибке ответ уже отправлен.
func trialParam(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid trial id: "+raw)
		return 0, false
	}
	return id, true
}

// rateOptions разбирает необязательный ?rate= для запуска сессии.
func rateOptions(c *gin.Context) ([]replay.SessionOption, bool) {
	q, exists := c.GetQuery("rate")
	if !exists {
		return nil, true
	}
	rate, err := strconv.ParseFloat(q, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid rate: "+q)
		return nil, false
	}
	return []replay.SessionOption{replay.WithRate(rate)}, true
}
