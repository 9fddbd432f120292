// Package phone собирает контроллер агента, реестр сессий и политику
// уведомлений на одном исполнителе и дает интерфейсу командный API.
package phone

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/notify"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/state"
)

// ErrUnknownSession сессии с таким идентификатором нет.
var ErrUnknownSession = errors.New("unknown session")

// Options зависимости телефона.
type Options struct {
	Factory engine.Factory
	// Executor nil означает собственный Loop, который Close остановит
	Executor          state.Executor
	Timers            state.Timers
	TransitionTimeout time.Duration
	Registry          session.RegistryConfig

	// Sink воспроизводит рингтоны
	Sink          notify.Sink
	PrimaryTone   notify.ToneConfig
	SecondaryTone notify.ToneConfig
	Outputs       notify.OutputFactory

	Metrics *metrics.Metrics
}

// Phone корневой объект оркестрации.
type Phone struct {
	exec state.Executor
	loop *state.Loop

	ctrl   *agent.Controller
	reg    *session.Registry
	policy *notify.Policy

	subs    map[uint64]func()
	nextSub uint64
	dirty   bool

	// flags подписки на ячейки сессий, ключ идентификатор сессии
	flags    *state.Group
	unwatch  []func()
	agentOff func()
	closed   bool
}

// New создает телефон. Агент появится после SetCredentials и SetAgentConfig.
func New(opts Options) (*Phone, error) {
	if opts.Factory == nil {
		return nil, errors.New("engine factory is required")
	}
	p := &Phone{
		exec:  opts.Executor,
		subs:  make(map[uint64]func()),
		flags: state.NewGroup(),
	}
	if p.exec == nil {
		p.loop = state.NewLoop()
		p.exec = p.loop
	}
	if opts.Registry.Metrics == nil {
		opts.Registry.Metrics = opts.Metrics
	}
	sink := opts.Sink
	if sink == nil {
		sink = notify.LogSink{}
	}

	err := p.exec.Do(context.Background(), func() {
		p.ctrl = agent.NewController(p.exec, agent.ControllerConfig{
			Factory:           opts.Factory,
			TransitionTimeout: opts.TransitionTimeout,
			Timers:            opts.Timers,
			Metrics:           opts.Metrics,
		})
		p.reg = session.NewRegistry(p.exec, opts.Registry)
		p.policy = notify.NewPolicy(p.reg, notify.PolicyConfig{
			Primary:   notify.NewRingtone(p.exec, opts.Timers, sink, opts.Metrics, opts.PrimaryTone),
			Secondary: notify.NewRingtone(p.exec, opts.Timers, sink, opts.Metrics, opts.SecondaryTone),
			Outputs:   opts.Outputs,
		})

		p.unwatch = append(p.unwatch,
			p.ctrl.Current().Subscribe(p.bindAgent),
			p.ctrl.Status().Watch(func(agent.Status) { p.changed() }),
			p.ctrl.Desired().Watch(func(agent.Status) { p.changed() }),
			p.ctrl.Changing().Watch(func(bool) { p.changed() }),
			p.reg.Sessions().Subscribe(p.watchSessions),
			p.reg.Selected().Watch(func(string) { p.changed() }),
		)
	})
	if err != nil {
		p.stopLoop()
		return nil, errors.Wrap(err, "ошибка запуска телефона")
	}
	return p, nil
}

// bindAgent привязывает реестр к новому агенту и следит за его готовностью.
func (p *Phone) bindAgent(a *agent.Agent) {
	if p.agentOff != nil {
		p.agentOff()
		p.agentOff = nil
	}
	p.reg.BindAgent(a)
	if a != nil {
		unConn := a.Connection().Watch(func(engine.ConnectionState) { p.changed() })
		unReg := a.Registration().Watch(func(engine.RegistrationState) { p.changed() })
		p.agentOff = func() {
			unConn()
			unReg()
		}
	}
	p.changed()
}

// watchSessions поддерживает подписки на флаги каждой живой сессии.
func (p *Phone) watchSessions(m map[string]*session.Session) {
	for id, s := range m {
		if p.flags.Has(id) {
			continue
		}
		cancels := []func(){
			s.Confirmed().Watch(func(bool) { p.changed() }),
			s.OnHold().Watch(func(bool) { p.changed() }),
			s.Muted().Watch(func(bool) { p.changed() }),
			s.Pristine().Watch(func(bool) { p.changed() }),
			s.RemoteAudio().Watch(func(*session.AudioStream) { p.changed() }),
		}
		p.flags.Set(id, func() {
			for _, cancel := range cancels {
				cancel()
			}
		})
	}
	p.flags.Retain(func(id string) bool {
		_, ok := m[id]
		return ok
	})
	p.changed()
}

// changed отмечает изменение. Подписчики вызываются один раз после
// завершения текущей задачи исполнителя.
func (p *Phone) changed() {
	if p.dirty || p.closed {
		return
	}
	p.dirty = true
	p.exec.Post(p.flush)
}

func (p *Phone) flush() {
	p.dirty = false
	if p.closed {
		return
	}
	subs := make([]func(), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	for _, fn := range subs {
		fn()
	}
}

// Subscribe подписывает на изменения. fn вызывается на исполнителе,
// несколько изменений подряд дают один вызов.
func (p *Phone) Subscribe(ctx context.Context, fn func()) (cancel func(), err error) {
	var id uint64
	err = p.exec.Do(ctx, func() {
		id = p.nextSub
		p.nextSub++
		p.subs[id] = fn
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		p.exec.Post(func() { delete(p.subs, id) })
	}, nil
}

// Notices уведомления контроллера для показа пользователю.
func (p *Phone) Notices() *state.Signal[agent.Notice] {
	return p.ctrl.Notices()
}

// SubscribeNotices подписывает на уведомления из любой горутины.
// fn вызывается на исполнителе.
func (p *Phone) SubscribeNotices(ctx context.Context, fn func(agent.Notice)) (cancel func(), err error) {
	var off func()
	err = p.do(ctx, func() error {
		off = p.ctrl.Notices().Subscribe(fn)
		return nil
	})
	if err != nil {
		return func() {}, err
	}
	return off, nil
}

// Registry реестр сессий. Обращаться к нему можно только на исполнителе.
func (p *Phone) Registry() *session.Registry {
	return p.reg
}

func (p *Phone) do(ctx context.Context, fn func() error) error {
	var err error
	if doErr := p.exec.Do(ctx, func() {
		if p.closed {
			err = state.ErrClosed
			return
		}
		err = fn()
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetCredentials задает учетные данные. nil удаляет их.
func (p *Phone) SetCredentials(ctx context.Context, creds *engine.Credentials) error {
	return p.do(ctx, func() error {
		return p.ctrl.SetCredentials(creds)
	})
}

// SetAgentConfig задает параметры соединения агента.
func (p *Phone) SetAgentConfig(ctx context.Context, cfg *engine.AgentConfig) error {
	return p.do(ctx, func() error {
		return p.ctrl.SetConfig(cfg)
	})
}

// SetDesiredState переводит агента в online или offline.
func (p *Phone) SetDesiredState(ctx context.Context, target agent.Status) error {
	return p.do(ctx, func() error {
		return p.ctrl.SetDesiredState(target)
	})
}

// InitCall начинает исходящий вызов.
func (p *Phone) InitCall(ctx context.Context, target string) error {
	return p.do(ctx, func() error {
		return p.reg.InitCall(target)
	})
}

// SwitchTo выбирает сессию. Неизвестный или пустой идентификатор снимает выбор.
func (p *Phone) SwitchTo(ctx context.Context, id string) error {
	return p.do(ctx, func() error {
		p.reg.SwitchTo(id)
		return nil
	})
}

// Answer выбирает сессию и отвечает на нее.
func (p *Phone) Answer(ctx context.Context, id string) error {
	return p.do(ctx, func() error {
		if p.reg.Get(id) == nil {
			return errors.Wrap(ErrUnknownSession, id)
		}
		return p.reg.Answer(id)
	})
}

// Finish завершает сессию с кодом, code <= 0 означает 487.
func (p *Phone) Finish(ctx context.Context, id string, code int) error {
	return p.do(ctx, func() error {
		if p.reg.Get(id) == nil {
			return errors.Wrap(ErrUnknownSession, id)
		}
		p.reg.Finish(id, code)
		return nil
	})
}

func (p *Phone) Mute(ctx context.Context, id string) error {
	return p.withSession(ctx, id, (*session.Session).Mute)
}

func (p *Phone) UnMute(ctx context.Context, id string) error {
	return p.withSession(ctx, id, (*session.Session).UnMute)
}

func (p *Phone) Hold(ctx context.Context, id string) error {
	return p.withSession(ctx, id, (*session.Session).Hold)
}

func (p *Phone) UnHold(ctx context.Context, id string) error {
	return p.withSession(ctx, id, (*session.Session).UnHold)
}

func (p *Phone) withSession(ctx context.Context, id string, fn func(*session.Session)) error {
	return p.do(ctx, func() error {
		s := p.reg.Get(id)
		if s == nil {
			return errors.Wrap(ErrUnknownSession, id)
		}
		fn(s)
		return nil
	})
}

// Snapshot текущее состояние для интерфейса.
func (p *Phone) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.do(ctx, func() error {
		snap = p.snapshot()
		return nil
	})
	return snap, err
}

// Close уничтожает агента и останавливает собственный исполнитель.
func (p *Phone) Close(ctx context.Context) error {
	err := p.exec.Do(ctx, func() {
		if p.closed {
			return
		}
		p.closed = true
		for _, cancel := range p.unwatch {
			cancel()
		}
		p.unwatch = nil
		if p.agentOff != nil {
			p.agentOff()
			p.agentOff = nil
		}
		p.flags.Reset()
		p.policy.Close()
		p.ctrl.Shutdown()
		p.reg.BindAgent(nil)
		slog.Debug("Phone.Close")
	})
	if err != nil && !errors.Is(err, state.ErrClosed) {
		return err
	}
	p.stopLoop()
	if p.loop != nil {
		select {
		case <-p.loop.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Phone) stopLoop() {
	if p.loop != nil {
		p.loop.Close()
	}
}
