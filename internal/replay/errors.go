package replay

import "errors"

var (
	// ErrTrialNotFound испытание отсутствует в каталоге.
	ErrTrialNotFound = errors.New("trial not found")
	// ErrSessionNotFound нет активной сессии с таким идентификатором подписчика.
	ErrSessionNotFound = errors.New("replay session not found")
	// ErrSessionExists идентификатор подписчика уже занят активной сессией.
	ErrSessionExists = errors.New("replay session already exists")
	// ErrPublishFailed приёмник не принял сообщение, сессия прервана.
	ErrPublishFailed = errors.New("replay publish failed")
	// ErrAlreadyStarted Run вызван повторно.
	ErrAlreadyStarted = errors.New("replay session already started")
	// ErrShuttingDown менеджер останавливается и не принимает новые сессии.
	ErrShuttingDown = errors.New("replay manager is shutting down")
)
