package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/state"
)

// DefaultTransitionTimeout окно ожидания целевого статуса.
const DefaultTransitionTimeout = 15 * time.Second

// Тексты уведомлений для пользователя
const (
	MessageTransitionTimeout = "Таймаут изменения состояния"
	MessageAgentCreateFailed = "Ошибка при создании агента, проверьте корректность указанных данных"
)

// NoticeKind тип уведомления.
type NoticeKind string

const (
	NoticeTransitionTimeout NoticeKind = "transition_timeout"
	NoticeAgentCreateFailed NoticeKind = "agent_create_failed"
)

// Notice уведомление, которое интерфейс показывает пользователю.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// phase состояние автомата переходов.
type phase string

const (
	phaseIdle     phase = "idle"
	phaseChanging phase = "changing"
	phaseFailed   phase = "failed"
)

// события автомата
const (
	eventBegin  = "begin"
	eventSettle = "settle"
	eventExpire = "expire"
	eventReset  = "reset"
)

// ControllerConfig параметры контроллера.
type ControllerConfig struct {
	Factory engine.Factory
	// TransitionTimeout по умолчанию DefaultTransitionTimeout
	TransitionTimeout time.Duration
	Timers            state.Timers
	Metrics           *metrics.Metrics
}

// Controller владеет текущим агентом и сводит его состояние в Status.
//
// Статус не хранится отдельно: он пересчитывается из фазы автомата и двух
// ячеек текущего агента при любом их изменении.
type Controller struct {
	exec    state.Executor
	factory engine.Factory
	timers  state.Timers
	timeout time.Duration
	metrics *metrics.Metrics

	creds *engine.Credentials
	cfg   *engine.AgentConfig

	current  *state.Value[*Agent]
	desired  *state.Value[Status]
	status   *state.Value[Status]
	changing *state.Value[bool]
	notices  *state.Signal[Notice]

	phase *fsm.FSM

	// generation отличает актуальное ожидание от вытесненных
	generation uint64
	// pending снимает подписки и таймер текущего ожидания
	pending func()
	// unwatch снимает подписки на ячейки текущего агента
	unwatch func()
}

// NewController создает контроллер без агента.
func NewController(exec state.Executor, cfg ControllerConfig) *Controller {
	c := &Controller{
		exec:     exec,
		factory:  cfg.Factory,
		timers:   cfg.Timers,
		timeout:  cfg.TransitionTimeout,
		metrics:  cfg.Metrics,
		current:  state.NewComparable[*Agent](nil),
		desired:  state.NewComparable(Offline),
		status:   state.NewComparable(Offline),
		changing: state.NewComparable(false),
		notices:  state.NewSignal[Notice](),
	}
	if c.timers == nil {
		c.timers = state.SystemTimers{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTransitionTimeout
	}
	c.initFSM()
	c.metrics.SetAgentStatus(Offline.String())
	return c
}

/*
Автомат переходов агента:

	idle     --begin-->  changing
	failed   --begin-->  changing
	changing --begin-->  changing (вытеснение, NoTransitionError игнорируется)
	changing --settle--> idle
	changing --expire--> failed
	*        --reset-->  idle

Статус: changing -> Changing, failed -> Error, idle -> ComposeStatus(conn, reg).
*/
func (c *Controller) initFSM() {
	c.phase = fsm.NewFSM(
		string(phaseIdle),
		fsm.Events{
			{Name: eventBegin, Src: []string{string(phaseIdle), string(phaseFailed), string(phaseChanging)}, Dst: string(phaseChanging)},
			{Name: eventSettle, Src: []string{string(phaseChanging)}, Dst: string(phaseIdle)},
			{Name: eventExpire, Src: []string{string(phaseChanging)}, Dst: string(phaseFailed)},
			{Name: eventReset, Src: []string{string(phaseIdle), string(phaseChanging), string(phaseFailed)}, Dst: string(phaseIdle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Controller phase",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
				c.changing.Set(phase(e.Dst) == phaseChanging)
				c.recompute()
			},
		},
	)
}

func (c *Controller) fire(event string) {
	if err := c.phase.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return
		}
		slog.Warn("Controller phase event failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// Current ячейка текущего агента, nil если агента нет.
func (c *Controller) Current() *state.Value[*Agent] {
	return c.current
}

// Status ячейка сводного статуса.
func (c *Controller) Status() *state.Value[Status] {
	return c.status
}

// Desired ячейка желаемого состояния.
func (c *Controller) Desired() *state.Value[Status] {
	return c.desired
}

// Changing признак перехода в процессе.
func (c *Controller) Changing() *state.Value[bool] {
	return c.changing
}

// Notices поток уведомлений для пользователя.
func (c *Controller) Notices() *state.Signal[Notice] {
	return c.notices
}

// computeStatus чистая функция от фазы и ячеек текущего агента.
func (c *Controller) computeStatus() Status {
	switch phase(c.phase.Current()) {
	case phaseChanging:
		return Changing
	case phaseFailed:
		return Error
	}
	a := c.current.Get()
	if a == nil {
		return Offline
	}
	return ComposeStatus(a.Connection().Get(), a.Registration().Get())
}

func (c *Controller) recompute() {
	s := c.computeStatus()
	if c.status.Get() != s {
		c.metrics.SetAgentStatus(s.String())
	}
	c.status.Set(s)
}

// SetCredentials задает учетные данные. nil удаляет их, текущий агент остается.
func (c *Controller) SetCredentials(creds *engine.Credentials) error {
	c.creds = creds
	return c.rebuild()
}

// SetConfig задает параметры соединения агента.
func (c *Controller) SetConfig(cfg *engine.AgentConfig) error {
	c.cfg = cfg
	return c.rebuild()
}

// rebuild создает нового агента, когда есть и учетные данные, и параметры.
// При ошибке прежний агент сохраняется.
func (c *Controller) rebuild() error {
	if c.creds == nil || c.cfg == nil {
		return nil
	}

	next, err := New(c.exec, c.factory, *c.creds, *c.cfg)
	if err != nil {
		slog.Error("Controller.rebuild agent creation failed", slog.String("error", err.Error()))
		c.metrics.AgentCreateError()
		c.notices.Emit(Notice{Kind: NoticeAgentCreateFailed, Message: MessageAgentCreateFailed, Err: err})
		return err
	}

	c.replace(next)
	return nil
}

// replace устанавливает нового агента. Старый агент полностью
// останавливается до публикации нового, статус принудительно offline.
func (c *Controller) replace(next *Agent) {
	prev := c.current.Get()

	c.cancelPending()
	c.generation++
	c.desired.Set(Offline)
	c.fire(eventReset)

	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	if prev != nil {
		prev.Destroy()
	}

	c.current.Set(next)
	if next != nil {
		unConn := next.Connection().Watch(func(engine.ConnectionState) { c.recompute() })
		unReg := next.Registration().Watch(func(engine.RegistrationState) { c.recompute() })
		c.unwatch = func() {
			unConn()
			unReg()
		}
	}
	c.recompute()

	slog.Debug("Controller.replace",
		slog.Bool("hadPrevious", prev != nil),
		slog.Bool("hasNext", next != nil))
}

// SetDesiredState запускает переход к online или offline.
// Новый вызов во время перехода вытесняет прежнее ожидание.
func (c *Controller) SetDesiredState(target Status) error {
	if target != Online && target != Offline {
		return errors.Errorf("unsupported desired state %q", target)
	}
	c.desired.Set(target)

	a := c.current.Get()
	if a == nil {
		slog.Debug("Controller.SetDesiredState without agent", slog.String("target", target.String()))
		return nil
	}

	if c.cancelPending() {
		c.metrics.Transition(metrics.TransitionSuperseded)
	}
	c.generation++
	gen := c.generation

	c.fire(eventBegin)

	var cmdErr error
	if target == Online {
		cmdErr = a.Start()
	} else {
		cmdErr = a.Stop()
	}
	if cmdErr != nil {
		// ожидание продолжается: при отсутствии результата сработает таймаут
		slog.Error("Controller.SetDesiredState command failed",
			slog.String("target", target.String()),
			slog.String("error", cmdErr.Error()))
	}

	check := func() {
		if gen != c.generation {
			return
		}
		if ComposeStatus(a.Connection().Get(), a.Registration().Get()) == target {
			c.settle(gen)
		}
	}
	unConn := a.Connection().Watch(func(engine.ConnectionState) { check() })
	unReg := a.Registration().Watch(func(engine.RegistrationState) { check() })
	timer := c.timers.AfterFunc(c.timeout, func() {
		c.exec.Post(func() { c.expire(gen) })
	})
	c.pending = func() {
		unConn()
		unReg()
		timer.Stop()
	}

	check()
	return nil
}

// cancelPending снимает текущее ожидание. Возвращает true, если оно было.
func (c *Controller) cancelPending() bool {
	if c.pending == nil {
		return false
	}
	c.pending()
	c.pending = nil
	return true
}

func (c *Controller) settle(gen uint64) {
	if gen != c.generation {
		return
	}
	c.cancelPending()
	c.fire(eventSettle)
	c.metrics.Transition(metrics.TransitionCommitted)
	slog.Debug("Controller transition committed", slog.String("status", c.status.Get().String()))
}

func (c *Controller) expire(gen uint64) {
	if gen != c.generation || c.pending == nil {
		return
	}
	c.cancelPending()
	c.fire(eventExpire)
	c.metrics.Transition(metrics.TransitionTimeout)
	slog.Warn("Controller transition timeout", slog.String("desired", c.desired.Get().String()))
	c.notices.Emit(Notice{Kind: NoticeTransitionTimeout, Message: MessageTransitionTimeout})
}

// Shutdown уничтожает текущего агента.
func (c *Controller) Shutdown() {
	c.replace(nil)
}
