package session

import (
	"log/slog"
	"sort"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/state"
)

// RegistryConfig параметры реестра.
type RegistryConfig struct {
	Session Options
	// Outgoing параметры исходящих вызовов
	Outgoing engine.CallOptions
	Metrics  *metrics.Metrics
}

// DefaultRegistryConfig только аудио для ответа и исходящих вызовов.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Session:  DefaultOptions(),
		Outgoing: engine.CallOptions{Media: engine.MediaConstraints{Audio: true, Video: false}},
	}
}

// Registry владеет набором живых сессий и выбором текущей.
//
// Карта сессий и выбор меняются только здесь. Выбранный идентификатор
// всегда указывает на сессию из карты либо пуст.
type Registry struct {
	exec    state.Executor
	cfg     RegistryConfig
	metrics *metrics.Metrics

	agent       *agent.Agent
	agentCancel func()

	sessions *state.Value[map[string]*Session]
	selected *state.Value[string]
	newest   *state.Signal[*Session]

	// ends подписки на Ended, ключ идентификатор сессии
	ends *state.Group
}

func NewRegistry(exec state.Executor, cfg RegistryConfig) *Registry {
	return &Registry{
		exec:     exec,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		sessions: state.NewValue(map[string]*Session{}),
		selected: state.NewComparable(""),
		newest:   state.NewSignal[*Session](),
		ends:     state.NewGroup(),
	}
}

// Sessions ячейка карты сессий. Карта не изменяется после публикации.
func (r *Registry) Sessions() *state.Value[map[string]*Session] {
	return r.sessions
}

// Selected идентификатор выбранной сессии, пустая строка если выбора нет.
func (r *Registry) Selected() *state.Value[string] {
	return r.selected
}

// Newest поток только что добавленных сессий.
func (r *Registry) Newest() *state.Signal[*Session] {
	return r.newest
}

// Get возвращает сессию по идентификатору.
func (r *Registry) Get(id string) *Session {
	return r.sessions.Get()[id]
}

// SelectedSession выбранная сессия или nil.
func (r *Registry) SelectedSession() *Session {
	return r.Get(r.selected.Get())
}

// List сессии, упорядоченные по идентификатору.
func (r *Registry) List() []*Session {
	m := r.sessions.Get()
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// BindAgent привязывает реестр к агенту. Прежние сессии забываются до
// приема вызовов нового агента, уничтожать их обязан сам агент.
func (r *Registry) BindAgent(a *agent.Agent) {
	if r.agentCancel != nil {
		r.agentCancel()
		r.agentCancel = nil
	}

	r.ends.Reset()
	r.selected.Set("")
	r.sessions.Set(map[string]*Session{})
	r.metrics.SessionsActive(0)
	r.agent = a

	if a != nil {
		r.agentCancel = a.NewCalls().Subscribe(r.handleNewCall)
		slog.Debug("Registry.BindAgent", slog.String("agentID", a.ID()))
	}
}

func (r *Registry) handleNewCall(call engine.Call) {
	id := call.CallID()
	identity := call.RemoteUser()

	if dup := r.findDuplicate(id, identity); dup != nil {
		slog.Info("Registry duplicate call rejected",
			slog.String("callID", id),
			slog.String("remoteIdentity", identity),
			slog.String("existingSessionID", dup.ID()))
		r.metrics.DuplicateRejected()
		if err := call.Terminate(CodeRequestTerminated); err != nil {
			slog.Error("Registry duplicate terminate failed",
				slog.String("callID", id),
				slog.String("error", err.Error()))
		}
		return
	}

	s := New(r.exec, call, r.cfg.Session)
	r.insert(s)
	r.metrics.SessionAccepted(string(s.Direction()))
	r.newest.Emit(s)

	if r.selected.Get() == "" {
		r.selectSession(s.ID(), false)
	}
}

func (r *Registry) findDuplicate(id, identity string) *Session {
	current := r.sessions.Get()
	if s, ok := current[id]; ok {
		return s
	}
	if identity == "" {
		return nil
	}
	for _, s := range current {
		if s.RemoteIdentity() == identity {
			return s
		}
	}
	return nil
}

func (r *Registry) insert(s *Session) {
	next := cloneSessions(r.sessions.Get())
	next[s.ID()] = s
	r.ends.Set(s.ID(), s.Ended().Subscribe(r.remove))
	r.sessions.Set(next)
	r.metrics.SessionsActive(len(next))
}

// remove вызывается по сигналу Ended.
func (r *Registry) remove(id string) {
	current := r.sessions.Get()
	if _, ok := current[id]; !ok {
		return
	}
	next := cloneSessions(current)
	delete(next, id)
	r.ends.Drop(id)
	r.sessions.Set(next)
	r.metrics.SessionsActive(len(next))

	if r.selected.Get() == id {
		r.selectSession("", false)
	}

	slog.Debug("Registry.remove", slog.String("sessionID", id))
}

// SwitchTo выбирает сессию по идентификатору. Пустой или неизвестный
// идентификатор снимает выбор. Возвращает выбранную сессию или nil.
func (r *Registry) SwitchTo(id string) *Session {
	return r.selectSession(id, true)
}

// selectSession меняет выбор и применяет политику переключения.
// byUser отличает переключение пользователем от автовыбора нового вызова.
func (r *Registry) selectSession(id string, byUser bool) *Session {
	next := r.Get(id)
	nextID := ""
	if next != nil {
		nextID = next.ID()
	}

	prevID := r.selected.Get()
	if prevID == nextID {
		return next
	}
	prev := r.Get(prevID)

	r.selected.Set(nextID)
	slog.Debug("Registry.select",
		slog.String("from", prevID),
		slog.String("to", nextID),
		slog.Bool("byUser", byUser))

	r.applySwitch(prev, next, byUser)
	return next
}

// applySwitch в каждый момент живой звук только у одной сессии: прежняя
// уходит на удержание, новая снимается с удержания и включает микрофон.
func (r *Registry) applySwitch(prev, next *Session, byUser bool) {
	if prev != nil && !prev.Destroyed() {
		if !prev.IsOnHold() {
			prev.Hold()
		}
		if prev.IsConfirmed() && !prev.IsMuted() {
			prev.Mute()
		}
	}

	if next == nil {
		return
	}
	if byUser && next.Direction() == engine.Incoming && !next.IsConfirmed() {
		if err := next.Answer(); err != nil {
			slog.Error("Registry auto-answer failed",
				slog.String("sessionID", next.ID()),
				slog.String("error", err.Error()))
		}
	}
	if next.IsOnHold() {
		next.UnHold()
	}
	if next.IsMuted() {
		next.UnMute()
	}
}

// InitCall начинает исходящий вызов. Без агента ничего не делает.
func (r *Registry) InitCall(target string) error {
	if r.agent == nil {
		slog.Warn("Registry.InitCall without agent", slog.String("target", target))
		return nil
	}
	return r.agent.Call(target, r.cfg.Outgoing)
}

// Answer выбирает сессию и отвечает на нее.
func (r *Registry) Answer(id string) error {
	s := r.SwitchTo(id)
	if s == nil {
		return nil
	}
	return s.Answer()
}

// Finish завершает сессию с кодом code.
func (r *Registry) Finish(id string, code int) {
	if s := r.Get(id); s != nil {
		s.Finish(code)
	}
}

func cloneSessions(m map[string]*Session) map[string]*Session {
	out := make(map[string]*Session, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
