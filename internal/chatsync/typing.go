package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/teamchat/internal/logger"
)

const (
	// TypingResendInterval — не чаще одного typing=true за интервал.
	TypingResendInterval = 2 * time.Second
	// TypingIdleTimeout — после паузы ввода отправляется typing=false.
	TypingIdleTimeout = 3 * time.Second
)

// Timer is the part of *time.Timer the state machines need.
type Timer interface {
	Stop() bool
}

// Clock абстрагирует время для детерминированных тестов.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock — системные часы.
var RealClock Clock = realClock{}

type TypingState int

const (
	TypingIdle TypingState = iota
	TypingActive
)

func (s TypingState) String() string {
	if s == TypingActive {
		return "typing"
	}
	return "idle"
}

// TypingSignal — машина состояний Idle/Typing для одного разговора.
// send вызывается вне блокировки, но строго в порядке переходов состояния;
// ошибки сигнала только логируются.
type TypingSignal struct {
	send  func(ctx context.Context, on bool) error
	clock Clock

	mu       sync.Mutex
	state    TypingState
	lastSent time.Time
	timer    Timer
	gen      uint64
	ticket   uint64

	// очередь отправки: сигнал с номером n уходит после n-1
	turnMu sync.Mutex
	turnCV *sync.Cond
	turn   uint64
}

func NewTypingSignal(clock Clock, send func(ctx context.Context, on bool) error) *TypingSignal {
	if clock == nil {
		clock = RealClock
	}
	t := &TypingSignal{send: send, clock: clock}
	t.turnCV = sync.NewCond(&t.turnMu)
	return t
}

// nextTicket вызывается под t.mu вместе со сменой состояния.
func (t *TypingSignal) nextTicket() uint64 {
	n := t.ticket
	t.ticket++
	return n
}

// OnInput — изменение поля ввода.
func (t *TypingSignal) OnInput(ctx context.Context) {
	t.mu.Lock()
	now := t.clock.Now()
	resend := t.state == TypingIdle || now.Sub(t.lastSent) >= TypingResendInterval
	var ticket uint64
	if resend {
		t.lastSent = now
		ticket = t.nextTicket()
	}
	t.state = TypingActive
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(TypingIdleTimeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if resend {
		t.signal(ctx, ticket, true)
	}
}

// expire срабатывает по таймеру; устаревший таймер (gen сменился) ничего не делает.
func (t *TypingSignal) expire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != TypingActive {
		t.mu.Unlock()
		return
	}
	t.state = TypingIdle
	t.timer = nil
	ticket := t.nextTicket()
	t.mu.Unlock()
	t.signal(context.Background(), ticket, false)
}

// Stop — отправка сообщения или уход из разговора.
func (t *TypingSignal) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.state != TypingActive {
		t.mu.Unlock()
		return
	}
	t.state = TypingIdle
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	ticket := t.nextTicket()
	t.mu.Unlock()
	t.signal(ctx, ticket, false)
}

func (t *TypingSignal) State() TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TypingSignal) signal(ctx context.Context, ticket uint64, on bool) {
	t.turnMu.Lock()
	for t.turn != ticket {
		t.turnCV.Wait()
	}
	t.turnMu.Unlock()

	if err := t.send(ctx, on); err != nil {
		logger.Debugf("chatsync: typing=%v: %v", on, err)
	}

	t.turnMu.Lock()
	t.turn++
	t.turnCV.Broadcast()
	t.turnMu.Unlock()
}
