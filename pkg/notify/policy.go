package notify

import (
	"log/slog"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/state"
)

// PolicyConfig зависимости политики. Outputs может быть nil, тогда звук
// не маршрутизируется.
type PolicyConfig struct {
	Primary   TonePlayer
	Secondary TonePlayer
	Outputs   OutputFactory
}

// Policy управляет рингтонами по набору ожидающих ответа входящих сессий
// и выводит звук выбранной сессии.
//
// Ожидающая сессия: входящая и pristine. Выбранный сигнал звучит, пока
// любая ожидающая сессия не перестанет быть pristine или набор не опустеет.
type Policy struct {
	reg       *session.Registry
	primary   TonePlayer
	secondary TonePlayer
	outputs   OutputFactory

	// playing текущий сигнал или nil
	playing TonePlayer
	pending []string

	// watchers подписки на pristine ожидающих сессий
	watchers *state.Group

	sessionsCancel func()
	selectedCancel func()
	audioCancel    func()
	output         Output

	closed bool
}

// NewPolicy подписывается на реестр. Вызывается внутри исполнителя реестра.
func NewPolicy(reg *session.Registry, cfg PolicyConfig) *Policy {
	p := &Policy{
		reg:       reg,
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		outputs:   cfg.Outputs,
		watchers:  state.NewGroup(),
	}
	p.sessionsCancel = reg.Sessions().Subscribe(func(map[string]*session.Session) {
		p.evaluate()
	})
	p.selectedCancel = reg.Selected().Subscribe(p.route)
	return p
}

// Pending идентификаторы ожидающих ответа сессий.
func (p *Policy) Pending() []string {
	return append([]string(nil), p.pending...)
}

// Playing текущий сигнал или nil.
func (p *Policy) Playing() TonePlayer {
	return p.playing
}

func (p *Policy) evaluate() {
	if p.closed {
		return
	}

	p.watchers.Reset()
	p.pending = p.pending[:0]
	for _, s := range p.reg.List() {
		if s.Direction() != engine.Incoming || !s.IsPristine() {
			continue
		}
		p.pending = append(p.pending, s.ID())
		p.watchers.Set(s.ID(), s.Pristine().Watch(func(pristine bool) {
			if !pristine {
				p.interacted()
			}
		}))
	}

	if len(p.pending) == 0 {
		p.stopTones()
		return
	}
	if p.playing != nil {
		return
	}

	tone := p.primary
	if p.reg.Selected().Get() != "" {
		tone = p.secondary
	}
	if tone == nil {
		return
	}
	slog.Debug("Policy.evaluate",
		slog.Int("pending", len(p.pending)),
		slog.Bool("secondary", tone == p.secondary))
	p.playing = tone
	tone.Play()
}

// interacted на вызов ответили или с ним начали работать.
func (p *Policy) interacted() {
	p.stopTones()
	p.evaluate()
}

func (p *Policy) stopTones() {
	if p.primary != nil {
		p.primary.Stop()
	}
	if p.secondary != nil {
		p.secondary.Stop()
	}
	p.playing = nil
}

// route переключает вывод звука на выбранную сессию.
func (p *Policy) route(id string) {
	if p.closed {
		return
	}
	if p.audioCancel != nil {
		p.audioCancel()
		p.audioCancel = nil
	}
	p.closeOutput()

	s := p.reg.Get(id)
	if s == nil || p.outputs == nil {
		return
	}
	p.audioCancel = s.RemoteAudio().Subscribe(func(stream *session.AudioStream) {
		p.closeOutput()
		if stream != nil {
			p.openOutput(s.ID(), stream)
		}
	})
}

func (p *Policy) openOutput(sessionID string, stream *session.AudioStream) {
	out, err := p.outputs(stream)
	if err != nil {
		slog.Error("Policy output create failed",
			slog.String("sessionID", sessionID),
			slog.String("error", err.Error()))
		return
	}
	if err := out.Start(); err != nil {
		slog.Error("Policy output start failed",
			slog.String("sessionID", sessionID),
			slog.String("error", err.Error()))
		return
	}
	p.output = out
	slog.Debug("Policy.openOutput",
		slog.String("sessionID", sessionID),
		slog.String("streamID", stream.ID()))
}

func (p *Policy) closeOutput() {
	if p.output == nil {
		return
	}
	if err := p.output.Close(); err != nil {
		slog.Warn("Policy output close failed", slog.String("error", err.Error()))
	}
	p.output = nil
}

// Close снимает подписки, глушит сигналы и закрывает вывод.
func (p *Policy) Close() {
	if p.closed {
		return
	}
	for _, cancel := range []func(){p.sessionsCancel, p.selectedCancel, p.audioCancel} {
		if cancel != nil {
			cancel()
		}
	}
	p.watchers.Reset()
	p.stopTones()
	p.closeOutput()
	p.closed = true
}
