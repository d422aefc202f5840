package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHubClosed публикация или подписка после Close.
var ErrHubClosed = errors.New("broadcast hub closed")

// Stats агрегированные метрики Hub.
type Stats struct {
	Published   uint64 // сообщений принято Publish
	Delivered   uint64 // доставок в буферы подписчиков
	Dropped     uint64 // подписчик отписался, не дождавшись сообщения
	Subscribers int
	InFlight    int // сообщений в буферах подписчиков
}

// TapFunc наблюдает все публикации (логирование, отладка).
type TapFunc func(topic string, msg *Message)

// Hub in-process рассылка по топикам. Каждый подписчик получает сообщения
// своего топика в порядке публикации через буферизованный канал.
// Если буфер подписчика полон, Publish ждёт места или отмены ctx.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*Subscription
	taps       map[uint64]TapFunc
	nextID     uint64
	bufferSize int
	closed     bool

	published uint64
	delivered uint64
	dropped   uint64
}

// NewHub создаёт Hub с указанным буфером на подписчика.
func NewHub(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Hub{
		topics:     make(map[string]map[uint64]*Subscription),
		taps:       make(map[uint64]TapFunc),
		bufferSize: bufferSize,
	}
}

// Subscription подписка на топик. Сообщения читаются из C до закрытия Done.
type Subscription struct {
	C <-chan *Message

	hub   *Hub
	topic string
	id    uint64
	ch    chan *Message
	done  chan struct{}
	once  sync.Once
}

// Done закрывается при отписке.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Topic топик подписки.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe отписывает. Повторный вызов безопасен.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if subs, ok := s.hub.topics[s.topic]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.hub.topics, s.topic)
			}
		}
		s.hub.mu.Unlock()
		close(s.done)
	})
}

// Subscribe подписывается на топик.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	ch := make(chan *Message, h.bufferSize)
	sub := &Subscription{
		C:     ch,
		hub:   h,
		topic: topic,
		id:    h.nextID,
		ch:    ch,
		done:  make(chan struct{}),
	}

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// Tap регистрирует наблюдателя всех публикаций. Возвращает функцию снятия.
func (h *Hub) Tap(fn TapFunc) (remove func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.taps[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.taps, id)
		h.mu.Unlock()
	}
}

// Publish доставляет сообщение всем подписчикам топика. Сообщение без
// подписчиков считается опубликованным.
func (h *Hub) Publish(ctx context.Context, topic string, msg *Message) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	subs := make([]*Subscription, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	taps := make([]TapFunc, 0, len(h.taps))
	for _, t := range h.taps {
		taps = append(taps, t)
	}
	h.mu.RUnlock()

	atomic.AddUint64(&h.published, 1)
	for _, t := range taps {
		t(topic, msg)
	}

	for _, s := range subs {
		select {
		case s.ch <- msg:
			atomic.AddUint64(&h.delivered, 1)
		case <-s.done:
			atomic.AddUint64(&h.dropped, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers количество подписчиков топика.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Stats возвращает текущие метрики.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Published: atomic.LoadUint64(&h.published),
		Delivered: atomic.LoadUint64(&h.delivered),
		Dropped:   atomic.LoadUint64(&h.dropped),
	}
	for _, subs := range h.topics {
		st.Subscribers += len(subs)
		for _, s := range subs {
			st.InFlight += len(s.ch)
		}
	}
	return st
}

// Close отписывает всех и запрещает дальнейшие публикации.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.topics {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}
