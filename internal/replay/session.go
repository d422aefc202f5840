package replay

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/timeline"
)

// State состояние сессии воспроизведения.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText для JSON снимков.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText разбирает имя состояния.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown replay state %q", b)
}

// Terminal сессия завершена и больше не изменится.
func (s State) Terminal() bool { return s >= StateCompleted }

// DefaultRate скорость воспроизведения по умолчанию (реальное время).
const DefaultRate = 1.0

// NormalizeRate заменяет недопустимую скорость (<= 0, NaN, Inf) на 1.0.
func NormalizeRate(r float64) float64 {
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return DefaultRate
	}
	return r
}

// Snapshot состояние сессии для API.
type Snapshot struct {
	SubscriberID string    `json:"subscriberId"`
	TrialID      int64     `json:"trialId"`
	State        State     `json:"state"`
	Rate         float64   `json:"rate"`
	Cursor       int       `json:"cursor"`
	Total        int       `json:"total"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

// Session проигрывает один таймлайн одному подписчику: записи уходят в
// приёмник с паузами, равными разнице меток времени, делённой на скорость.
// После последней записи отправляется завершающее сообщение (timestamp -1).
type Session struct {
	id     string
	tl     *timeline.Timeline
	sink   broadcast.Sink
	topic  string
	clock  Clock
	logger *logging.Logger

	rate   uint64 // math.Float64bits
	state  int32
	cursor int64

	mu        sync.Mutex
	startedAt time.Time
	stopRun   context.CancelFunc
	err       error

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// SessionOption настройка сессии.
type SessionOption func(*Session)

// WithRate начальная скорость воспроизведения.
func WithRate(rate float64) SessionOption {
	return func(s *Session) { s.storeRate(NormalizeRate(rate)) }
}

// WithTopic адрес подписчика в приёмнике.
func WithTopic(topic string) SessionOption {
	return func(s *Session) { s.topic = topic }
}

// WithClock подменяет часы.
func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithSessionLogger задаёт логгер.
func WithSessionLogger(l *logging.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession создаёт сессию в состоянии Idle.
func NewSession(subscriberID string, tl *timeline.Timeline, sink broadcast.Sink, opts ...SessionOption) *Session {
	s := &Session{
		id:       subscriberID,
		tl:       tl,
		sink:     sink,
		topic:    broadcast.Topic("trial.history", subscriberID),
		clock:    RealClock{},
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.storeRate(DefaultRate)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetReplayLogger()
	}
	return s
}

// ID идентификатор подписчика.
func (s *Session) ID() string { return s.id }

// Topic адрес подписчика.
func (s *Session) Topic() string { return s.topic }

// TrialID испытание, которое проигрывается.
func (s *Session) TrialID() int64 {
	if s.tl == nil {
		return 0
	}
	return s.tl.TrialID
}

// State текущее состояние.
func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// Rate текущая скорость.
func (s *Session) Rate() float64 { return math.Float64frombits(atomic.LoadUint64(&s.rate)) }

// SetRate меняет скорость; действует с ближайшей паузы. Недопустимые
// значения заменяются на 1.0. Возвращает установленную скорость.
func (s *Session) SetRate(rate float64) float64 {
	rate = NormalizeRate(rate)
	s.storeRate(rate)
	rateChanges.Inc()
	s.logger.Debug("Session %s rate set to %.3f", s.id, rate)
	return rate
}

func (s *Session) storeRate(rate float64) {
	atomic.StoreUint64(&s.rate, math.Float64bits(rate))
}

// Cancel останавливает воспроизведение: текущая пауза прерывается,
// дальнейшие записи и завершающее сообщение не отправляются.
// Вызов до Run приводит к немедленному завершению Run. Повторный вызов безопасен.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
		s.mu.Lock()
		if s.stopRun != nil {
			s.stopRun()
		}
		s.mu.Unlock()
	})
}

// Done закрывается, когда Run завершился.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait ждёт завершения Run и возвращает его ошибку.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Err ошибка завершения (только для Failed).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot возвращает снимок состояния.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	return Snapshot{
		SubscriberID: s.id,
		TrialID:      s.TrialID(),
		State:        s.State(),
		Rate:         s.Rate(),
		Cursor:       int(atomic.LoadInt64(&s.cursor)),
		Total:        s.tl.Len(),
		StartedAt:    startedAt,
	}
}

// Run проигрывает таймлайн в текущей горутине. Отмена ctx равносильна Cancel.
// Возвращает ошибку, совместимую с ErrPublishFailed, если приёмник не принял
// сообщение или запаниковал; отмена ошибкой не считается.
func (s *Session) Run(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&s.state, int32(StateIdle), int32(StateStreaming)) {
		return ErrAlreadyStarted
	}
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err = s.finish(StateFailed, fmt.Errorf("%w: %s at entry %d: panic: %v",
				ErrPublishFailed, s.id, atomic.LoadInt64(&s.cursor), r))
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.stopRun = stop
	s.mu.Unlock()

	select {
	case <-s.cancelCh:
		stop()
	default:
	}

	activeSessions.Inc()
	defer activeSessions.Dec()

	entries := s.timelineEntries()
	s.logger.Info("▶️ Replay %s started: trial %d, %d entries, rate %.2f", s.id, s.TrialID(), len(entries), s.Rate())

	for i := range entries {
		if runCtx.Err() != nil {
			return s.finish(StateCancelled, nil)
		}

		e := &entries[i]
		msg := broadcast.NewEntryMessage(s.id, e.Timestamp, e.Points, s.clock.Now())
		if err := s.sink.Publish(runCtx, s.topic, msg); err != nil {
			if runCtx.Err() != nil {
				return s.finish(StateCancelled, nil)
			}
			return s.finish(StateFailed, fmt.Errorf("%w: entry %d of %s: %w", ErrPublishFailed, i, s.id, err))
		}
		atomic.StoreInt64(&s.cursor, int64(i+1))
		emittedEntries.Inc()

		if i == len(entries)-1 {
			break
		}
		if !s.pause(runCtx, entries[i+1].Timestamp-e.Timestamp) {
			return s.finish(StateCancelled, nil)
		}
	}

	if runCtx.Err() != nil {
		return s.finish(StateCancelled, nil)
	}
	if err := s.sink.Publish(runCtx, s.topic, broadcast.NewSentinelMessage(s.id, s.clock.Now())); err != nil {
		if runCtx.Err() != nil {
			return s.finish(StateCancelled, nil)
		}
		return s.finish(StateFailed, fmt.Errorf("%w: sentinel of %s: %w", ErrPublishFailed, s.id, err))
	}
	return s.finish(StateCompleted, nil)
}

// pause ждёт delta/rate миллисекунд. Скорость читается в момент расчёта.
// Возвращает false, если ожидание прервано отменой.
func (s *Session) pause(ctx context.Context, delta int64) bool {
	if delta <= 0 {
		return true
	}
	wait := time.Duration(float64(delta) / s.Rate() * float64(time.Millisecond))
	if wait <= 0 {
		return true
	}

	select {
	case <-s.clock.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) timelineEntries() []timeline.Entry {
	if s.tl == nil {
		return nil
	}
	return s.tl.Entries
}

func (s *Session) finish(state State, err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	atomic.StoreInt32(&s.state, int32(state))
	finishedSessions.WithLabelValues(state.String()).Inc()

	switch state {
	case StateFailed:
		s.logger.Error("❌ Replay %s failed at %d/%d: %v", s.id, atomic.LoadInt64(&s.cursor), s.tl.Len(), err)
	case StateCancelled:
		s.logger.Info("⏹️ Replay %s cancelled at %d/%d", s.id, atomic.LoadInt64(&s.cursor), s.tl.Len())
	default:
		s.logger.Info("✅ Replay %s completed: %d entries", s.id, s.tl.Len())
	}
	return err
}
