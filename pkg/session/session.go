// Package session содержит обертку вызова движка (Session) и реестр живых
// сессий с политикой выбора, удержания и отсева дублей (Registry).
package session

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/state"
)

// Коды завершения
const (
	CodeBusy              = engine.StatusBusyHere
	CodeRequestTerminated = engine.StatusRequestTerminated
	CodeDecline           = engine.StatusDecline
)

var (
	// ErrNotIncoming ответить можно только на входящий вызов
	ErrNotIncoming = errors.New("session is not incoming")
	// ErrDestroyed сессия уже завершена
	ErrDestroyed = errors.New("session destroyed")
)

// Lifecycle состояние жизненного цикла сессии.
type Lifecycle string

const (
	// StateNew вызов еще не подтвержден, сессия нетронутая (pristine)
	StateNew Lifecycle = "new"
	// StateConfirmed вызов подтвержден, pristine сброшен навсегда
	StateConfirmed Lifecycle = "confirmed"
	// StateEnded сессия уничтожена
	StateEnded Lifecycle = "ended"
)

func (l Lifecycle) String() string {
	return string(l)
}

// Options параметры сессии.
type Options struct {
	// Answer параметры ответа на входящий вызов
	Answer engine.CallOptions
}

// DefaultOptions только аудио.
func DefaultOptions() Options {
	return Options{
		Answer: engine.CallOptions{Media: engine.MediaConstraints{Audio: true, Video: false}},
	}
}

// Session один вызов.
//
// Флаги состояния меняются только событиями движка. Команды управления
// не меняют видимое состояние сами по себе, кроме Finish, который при сбое
// принудительно уничтожает сессию.
type Session struct {
	id             string
	remoteIdentity string
	direction      engine.Direction

	exec state.Executor
	call engine.Call
	opts Options

	lifecycle *fsm.FSM

	confirmed   *state.Value[bool]
	onHold      *state.Value[bool]
	muted       *state.Value[bool]
	pristine    *state.Value[bool]
	remoteAudio *state.Value[*AudioStream]
	ended       *state.Signal[string]

	connection   engine.PeerConnection
	callCancel   func()
	trackCancel  func()
	removeCancel func()

	answered  bool
	destroyed bool
}

// New оборачивает вызов движка. Вызывается внутри исполнителя exec.
func New(exec state.Executor, call engine.Call, opts Options) *Session {
	identity := call.RemoteUser()
	if identity == "" {
		identity = "unknown-" + uuid.NewString()
	}

	s := &Session{
		id:             call.CallID(),
		remoteIdentity: identity,
		direction:      call.Direction(),
		exec:           exec,
		call:           call,
		opts:           opts,
		confirmed:      state.NewComparable(false),
		onHold:         state.NewComparable(false),
		muted:          state.NewComparable(false),
		pristine:       state.NewComparable(true),
		remoteAudio:    state.NewComparable[*AudioStream](nil),
		ended:          state.NewSignal[string](),
	}
	s.initFSM()

	s.callCancel = call.OnEvent(func(ev engine.CallEvent) {
		exec.Post(func() { s.handleEvent(ev) })
	})

	// Соединение может появиться позже: тогда подписка на дорожки
	// откладывается до события peerconnection.
	if pc := call.Connection(); pc != nil {
		s.attachConnection(pc)
	}

	slog.Debug("Session.New",
		slog.String("sessionID", s.id),
		slog.String("remoteIdentity", s.remoteIdentity),
		slog.String("direction", string(s.direction)))

	return s
}

/*
Жизненный цикл сессии:

	new --confirm--> confirmed --end--> ended
	new --end--> ended

Переход в confirmed сбрасывает pristine. Вернуться в new нельзя,
поэтому pristine не восстанавливается.
*/
func (s *Session) initFSM() {
	s.lifecycle = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: "confirm", Src: []string{string(StateNew)}, Dst: string(StateConfirmed)},
			{Name: "end", Src: []string{string(StateNew), string(StateConfirmed)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_" + string(StateConfirmed): func(_ context.Context, _ *fsm.Event) {
				s.confirmed.Set(true)
				s.pristine.Set(false)
			},
		},
	)
}

func (s *Session) ID() string {
	return s.id
}

// RemoteIdentity удаленный пользователь или сгенерированная заглушка.
func (s *Session) RemoteIdentity() string {
	return s.remoteIdentity
}

func (s *Session) Direction() engine.Direction {
	return s.direction
}

// State текущее состояние жизненного цикла.
func (s *Session) State() Lifecycle {
	return Lifecycle(s.lifecycle.Current())
}

func (s *Session) Confirmed() *state.Value[bool] { return s.confirmed }
func (s *Session) OnHold() *state.Value[bool]    { return s.onHold }
func (s *Session) Muted() *state.Value[bool]     { return s.muted }

// Pristine true до первого подтверждения вызова.
func (s *Session) Pristine() *state.Value[bool] {
	return s.pristine
}

// RemoteAudio удаленный аудио поток или nil.
func (s *Session) RemoteAudio() *state.Value[*AudioStream] {
	return s.remoteAudio
}

// Ended однократный сигнал завершения с идентификатором сессии.
func (s *Session) Ended() *state.Signal[string] {
	return s.ended
}

func (s *Session) IsConfirmed() bool { return s.confirmed.Get() }
func (s *Session) IsOnHold() bool    { return s.onHold.Get() }
func (s *Session) IsMuted() bool     { return s.muted.Get() }
func (s *Session) IsPristine() bool  { return s.pristine.Get() }
func (s *Session) Destroyed() bool   { return s.destroyed }

func (s *Session) handleEvent(ev engine.CallEvent) {
	if s.destroyed {
		return
	}

	slog.Debug("Session event",
		slog.String("sessionID", s.id),
		slog.String("event", ev.Type.String()),
		slog.String("originator", string(ev.Originator)))

	switch ev.Type {
	case engine.CallPeerConnection:
		if s.connection == nil && ev.Connection != nil {
			s.attachConnection(ev.Connection)
		}
	case engine.CallConfirmed:
		if err := s.lifecycle.Event(context.Background(), "confirm"); err != nil {
			slog.Debug("Session confirm ignored",
				slog.String("sessionID", s.id),
				slog.String("error", err.Error()))
		}
	case engine.CallHold, engine.CallUnhold:
		s.onHold.Set(s.call.IsOnHold())
	case engine.CallMuted:
		s.muted.Set(true)
	case engine.CallUnmuted:
		s.muted.Set(false)
	case engine.CallEnded, engine.CallFailed:
		s.Destroy()
	}
}

func (s *Session) attachConnection(pc engine.PeerConnection) {
	s.connection = pc
	s.trackCancel = pc.OnTrack(func(ev engine.TrackEvent) {
		s.exec.Post(func() { s.handleTrack(ev) })
	})
}

// handleTrack публикует новую аудио дорожку и следит за ее удалением.
// Очистка срабатывает один раз, на первое удаление именно этой дорожки.
func (s *Session) handleTrack(ev engine.TrackEvent) {
	if s.destroyed || ev.Track == nil || ev.Track.Kind() != "audio" || len(ev.Streams) == 0 {
		return
	}

	track := ev.Track
	stream := newAudioStream(track)
	if s.removeCancel != nil {
		s.removeCancel()
		s.removeCancel = nil
	}

	var cancel func()
	cancel = ev.Streams[0].OnRemoveTrack(func(removed engine.MediaTrack) {
		if removed == nil || removed.ID() != track.ID() {
			return
		}
		s.exec.Post(func() {
			if cancel == nil {
				return
			}
			cancel()
			cancel = nil
			if s.destroyed {
				return
			}
			if s.remoteAudio.Get() == stream {
				s.remoteAudio.Set(nil)
			}
		})
	})
	s.removeCancel = func() {
		if cancel != nil {
			cancel()
			cancel = nil
		}
	}

	slog.Debug("Session remote audio",
		slog.String("sessionID", s.id),
		slog.String("trackID", track.ID()),
		slog.String("streamID", stream.ID()))

	s.remoteAudio.Set(stream)
}

// Answer отвечает на входящий вызов. Повторный вызов ничего не делает.
func (s *Session) Answer() error {
	if s.destroyed {
		return ErrDestroyed
	}
	if s.direction != engine.Incoming {
		return ErrNotIncoming
	}
	if s.answered {
		return nil
	}
	slog.Debug("Session.Answer", slog.String("sessionID", s.id))
	if err := s.call.Answer(s.opts.Answer); err != nil {
		slog.Error("Session.Answer failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
		return errors.Wrap(err, "failed to answer")
	}
	s.answered = true
	return nil
}

// Mute выключает микрофон. Ошибка движка только логируется.
func (s *Session) Mute() {
	s.command("Mute", false, s.call.Mute)
}

func (s *Session) UnMute() {
	s.command("UnMute", false, s.call.Unmute)
}

// Hold ставит вызов на удержание. Неподтвержденный вызов удерживать нельзя.
func (s *Session) Hold() {
	s.command("Hold", true, s.call.Hold)
}

func (s *Session) UnHold() {
	s.command("UnHold", true, s.call.Unhold)
}

func (s *Session) command(name string, needConfirmed bool, fn func() error) {
	if s.destroyed {
		return
	}
	if needConfirmed && !s.confirmed.Get() {
		slog.Warn("Session."+name+" refused: session not confirmed", slog.String("sessionID", s.id))
		return
	}
	slog.Debug("Session."+name, slog.String("sessionID", s.id))
	if err := fn(); err != nil {
		slog.Error("Session."+name+" failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
	}
}

// Finish завершает вызов с кодом code (486 занято, 487 отменен, 603 отклонен).
// code <= 0 означает 487. Если движок не смог завершить вызов, сессия
// уничтожается принудительно.
func (s *Session) Finish(code int) {
	if s.destroyed {
		return
	}
	if code <= 0 {
		code = CodeRequestTerminated
	}
	slog.Debug("Session.Finish", slog.String("sessionID", s.id), slog.Int("code", code))
	if err := s.call.Terminate(code); err != nil {
		slog.Error("Session.Finish terminate failed, destroying",
			slog.String("sessionID", s.id),
			slog.Int("code", code),
			slog.String("error", err.Error()))
		s.Destroy()
	}
}

// Destroy освобождает аудио, завершает ячейки и один раз сообщает Ended.
// Повторный вызов ничего не делает.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	if err := s.lifecycle.Event(context.Background(), "end"); err != nil {
		slog.Debug("Session end transition", slog.String("error", err.Error()))
	}

	if s.callCancel != nil {
		s.callCancel()
		s.callCancel = nil
	}
	if s.trackCancel != nil {
		s.trackCancel()
		s.trackCancel = nil
	}
	if s.removeCancel != nil {
		s.removeCancel()
		s.removeCancel = nil
	}

	if audio := s.remoteAudio.Get(); audio != nil {
		audio.Stop()
	}
	s.remoteAudio.Set(nil)

	s.confirmed.Close()
	s.onHold.Close()
	s.muted.Close()
	s.pristine.Close()
	s.remoteAudio.Close()

	slog.Debug("Session.Destroy", slog.String("sessionID", s.id))

	s.ended.Emit(s.id)
	s.ended.Close()
}
