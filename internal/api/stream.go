package api

import (
	"io"
	"net/http"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/gin-gonic/gin"
)

// sseEvent имя события SSE для записей воспроизведения.
const sseEvent = "history"

// handleReplayStream запускает воспроизведение и отдаёт его вызывающему
// как SSE. Подписка на топик оформляется до старта, поэтому первая запись
// не теряется. Обрыв соединения отменяет сессию.
func (rs *RestServer) handleReplayStream(c *gin.Context) {
	if rs.hub == nil {
		fail(c, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	trialID, ok := trialParam(c)
	if !ok {
		return
	}
	opts, ok := rateOptions(c)
	if !ok {
		return
	}

	subscriberID := rs.manager.NewSubscriberID(trialID)
	sub, err := rs.hub.Subscribe(rs.manager.Topic(subscriberID))
	if err != nil {
		failErr(c, err)
		return
	}
	defer sub.Unsubscribe()

	s, err := rs.manager.StartReplayFor(c.Request.Context(), trialID, subscriberID, opts...)
	if err != nil {
		failErr(c, err)
		return
	}
	defer func() {
		if !s.State().Terminal() {
			s.Cancel()
		}
	}()

	c.Header("X-Subscriber-Id", subscriberID)
	rs.stream(c, sub)
}

// handleSubscriberStream подключается к уже запущенной сессии. Записи,
// отправленные до подключения, не повторяются.
func (rs *RestServer) handleSubscriberStream(c *gin.Context) {
	if rs.hub == nil {
		fail(c, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	subscriberID := c.Param("subscriberId")
	if _, exists := rs.manager.Session(subscriberID); !exists {
		failErr(c, replay.ErrSessionNotFound)
		return
	}

	sub, err := rs.hub.Subscribe(rs.manager.Topic(subscriberID))
	if err != nil {
		failErr(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Header("X-Subscriber-Id", subscriberID)
	rs.stream(c, sub)
}

// stream пишет сообщения подписки как SSE до завершающего сообщения,
// отписки или ухода клиента.
func (rs *RestServer) stream(c *gin.Context, sub *broadcast.Subscription) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	sent := 0
	c.Stream(func(w io.Writer) bool {
		select {
		case msg := <-sub.C:
			c.SSEvent(sseEvent, msg)
			sent++
			return !msg.IsSentinel()
		case <-sub.Done():
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
	rs.logger.Debug("SSE stream %s closed after %d messages", sub.Topic(), sent)
}
