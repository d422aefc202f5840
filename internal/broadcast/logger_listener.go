package broadcast

import (
	"github.com/annel0/trial-replay/internal/logging"
)

// StartLoggingListener пишет в лог каждую публикацию Hub (уровень TRACE),
// завершающие сообщения на уровне DEBUG. Возвращает функцию отключения.
func StartLoggingListener(h *Hub, logger *logging.Logger) (stop func()) {
	if logger == nil {
		logger = logging.GetBroadcastLogger()
	}
	stop = h.Tap(func(topic string, msg *Message) {
		if msg.IsSentinel() {
			logger.Debug("%s replay finished (subscriber=%s)", topic, msg.Data.SubscribeID)
			return
		}
		logger.Trace("%s ts=%d points=%d", topic, msg.Data.Timestamp, len(msg.Data.PointsData))
	})
	logger.Info("🪵 LoggingListener: подписка на все публикации активирована")
	return stop
}
