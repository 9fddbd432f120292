// Package agent управляет сигнальным соединением софтфона: Agent оборачивает
// пользовательский агент движка, Controller сводит его состояние подключения и
// регистрации в один статус и проводит переходы online/offline.
package agent

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/state"
)

var (
	// ErrInvalidCredentials неполные или некорректные учетные данные
	ErrInvalidCredentials = errors.New("invalid agent credentials")
	// ErrDestroyed агент уже уничтожен
	ErrDestroyed = errors.New("agent destroyed")
)

// Agent одно сигнальное соединение с сервером.
//
// Состояние подключения и регистрации хранится в двух ячейках, новые вызовы
// публикуются в NewCalls. Все изменения выполняются в исполнителе exec.
type Agent struct {
	id   string
	exec state.Executor
	ua   engine.UserAgent

	connection   *state.Value[engine.ConnectionState]
	registration *state.Value[engine.RegistrationState]
	newCalls     *state.Signal[engine.Call]

	destroyed bool
}

// New создает агента. При любой ошибке построения уже созданные ресурсы
// освобождаются, а вызывающему возвращается ошибка.
func New(exec state.Executor, factory engine.Factory, creds engine.Credentials, cfg engine.AgentConfig) (*Agent, error) {
	a := &Agent{
		id:           uuid.NewString(),
		exec:         exec,
		connection:   state.NewComparable(engine.Disconnected),
		registration: state.NewComparable(engine.Unregistered),
		newCalls:     state.NewSignal[engine.Call](),
	}

	if err := validateCredentials(creds); err != nil {
		a.Destroy()
		return nil, err
	}

	ua, err := factory.NewUserAgent(creds, cfg)
	if err != nil {
		a.Destroy()
		return nil, errors.Wrap(err, "failed to create user agent")
	}
	a.ua = ua
	ua.OnEvent(a.onEvent)

	slog.Debug("Agent.New",
		slog.String("agentID", a.id),
		slog.String("identity", creds.Identity),
		slog.String("server", creds.ServerURL))

	return a, nil
}

func validateCredentials(creds engine.Credentials) error {
	if strings.TrimSpace(creds.Identity) == "" {
		return errors.Wrap(ErrInvalidCredentials, "empty identity")
	}
	if strings.TrimSpace(creds.ServerURL) == "" {
		return errors.Wrap(ErrInvalidCredentials, "empty server url")
	}
	if _, err := url.Parse(creds.ServerURL); err != nil {
		return errors.Wrapf(ErrInvalidCredentials, "server url: %v", err)
	}
	return nil
}

// ID уникальный идентификатор агента.
func (a *Agent) ID() string {
	return a.id
}

// Connection ячейка состояния соединения.
func (a *Agent) Connection() *state.Value[engine.ConnectionState] {
	return a.connection
}

// Registration ячейка состояния регистрации.
func (a *Agent) Registration() *state.Value[engine.RegistrationState] {
	return a.registration
}

// NewCalls поток входящих и исходящих вызовов движка. События вызова,
// случившиеся до подписки на него, не теряются.
func (a *Agent) NewCalls() *state.Signal[engine.Call] {
	return a.newCalls
}

// IsReady агент подключен и зарегистрирован.
func (a *Agent) IsReady() bool {
	return a.connection.Get() == engine.Connected && a.registration.Get() == engine.Registered
}

// Start подключается и регистрируется.
func (a *Agent) Start() error {
	if a.ua == nil {
		return ErrDestroyed
	}
	slog.Debug("Agent.Start", slog.String("agentID", a.id))
	if err := a.ua.Start(); err != nil {
		return errors.Wrap(err, "failed to start user agent")
	}
	return nil
}

// Stop снимает регистрацию и отключается.
func (a *Agent) Stop() error {
	if a.ua == nil {
		return ErrDestroyed
	}
	slog.Debug("Agent.Stop", slog.String("agentID", a.id))
	if err := a.ua.Stop(); err != nil {
		return errors.Wrap(err, "failed to stop user agent")
	}
	return nil
}

// Call начинает исходящий вызов. Без соединения ничего не делает:
// вызывающий должен сам проверить IsReady.
func (a *Agent) Call(target string, opts engine.CallOptions) error {
	if a.ua == nil {
		return nil
	}
	slog.Debug("Agent.Call", slog.String("agentID", a.id), slog.String("target", target))
	if err := a.ua.Call(target, opts); err != nil {
		return errors.Wrapf(err, "failed to call %s", target)
	}
	return nil
}

// Destroy останавливает соединение, завершает потоки и освобождает ресурсы.
// Повторный вызов ничего не делает.
func (a *Agent) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true

	a.connection.Close()
	a.registration.Close()
	a.newCalls.Close()

	if a.ua != nil {
		ua := a.ua
		a.ua = nil
		if err := ua.Stop(); err != nil {
			slog.Warn("Agent.Destroy stop failed",
				slog.String("agentID", a.id),
				slog.String("error", err.Error()))
		}
		if err := ua.Close(); err != nil {
			slog.Warn("Agent.Destroy close failed",
				slog.String("agentID", a.id),
				slog.String("error", err.Error()))
		}
	}

	slog.Debug("Agent.Destroy", slog.String("agentID", a.id))
}

// Destroyed сообщает, уничтожен ли агент.
func (a *Agent) Destroyed() bool {
	return a.destroyed
}

// onEvent вызывается движком из его горутины. Подписка на новый вызов
// оформляется сразу, до перехода в исполнитель.
func (a *Agent) onEvent(ev engine.UAEvent) {
	if ev.Type == engine.UANewCall && ev.Call != nil {
		ev.Call = newPendingCall(ev.Call)
	}
	a.exec.Post(func() {
		a.apply(ev)
	})
}

func (a *Agent) apply(ev engine.UAEvent) {
	if a.destroyed {
		return
	}

	slog.Debug("Agent event",
		slog.String("agentID", a.id),
		slog.String("event", ev.Type.String()),
		slog.String("cause", ev.Cause))

	switch ev.Type {
	case engine.UAConnecting:
		a.connection.Set(engine.Connecting)
	case engine.UAConnected:
		a.connection.Set(engine.Connected)
	case engine.UADisconnected:
		a.connection.Set(engine.Disconnected)
	case engine.UARegistered:
		a.registration.Set(engine.Registered)
	case engine.UAUnregistered:
		a.registration.Set(engine.Unregistered)
	case engine.UARegistrationFailed:
		a.registration.Set(engine.RegistrationFailed)
	case engine.UANewCall:
		if ev.Call != nil {
			a.newCalls.Emit(ev.Call)
		}
	}
}
