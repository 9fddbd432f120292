package agent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/engine/enginetest"
	"github.com/arzzra/softphone/pkg/state"
	"github.com/arzzra/softphone/pkg/state/statetest"
)

type controllerEnv struct {
	exec    *state.Inline
	factory *enginetest.Factory
	clock   *statetest.ManualTimers
	ctrl    *agent.Controller
	notices []agent.Notice
}

func newControllerEnv(t *testing.T) *controllerEnv {
	t.Helper()
	env := &controllerEnv{
		exec:    state.NewInline(),
		factory: enginetest.NewFactory(),
		clock:   statetest.NewManualTimers(),
	}
	env.ctrl = agent.NewController(env.exec, agent.ControllerConfig{
		Factory: env.factory,
		Timers:  env.clock,
	})
	env.ctrl.Notices().Subscribe(func(n agent.Notice) { env.notices = append(env.notices, n) })

	// контроллер работает только внутри исполнителя
	env.do(func() {
		require.NoError(t, env.ctrl.SetConfig(&engine.AgentConfig{}))
		require.NoError(t, env.ctrl.SetCredentials(&testCreds))
	})
	require.NotNil(t, env.ctrl.Current().Get())
	return env
}

func (e *controllerEnv) do(fn func()) {
	e.exec.Post(fn)
}

func (e *controllerEnv) setDesired(t *testing.T, s agent.Status) {
	t.Helper()
	e.do(func() { require.NoError(t, e.ctrl.SetDesiredState(s)) })
}

func TestControllerGoesOnline(t *testing.T) {
	env := newControllerEnv(t)
	ua := env.factory.Last()

	env.setDesired(t, agent.Online)
	assert.Equal(t, agent.Changing, env.ctrl.Status().Get())
	assert.True(t, env.ctrl.Changing().Get())
	assert.Equal(t, 1, ua.Starts)

	ua.Emit(engine.UAEvent{Type: engine.UAConnected})
	assert.Equal(t, agent.Changing, env.ctrl.Status().Get(), "одного соединения недостаточно")

	ua.Emit(engine.UAEvent{Type: engine.UARegistered})
	assert.Equal(t, agent.Online, env.ctrl.Status().Get())
	assert.False(t, env.ctrl.Changing().Get())
	assert.Equal(t, 0, env.clock.Pending(), "таймер ожидания должен быть снят")
}

func TestControllerTimeoutYieldsError(t *testing.T) {
	env := newControllerEnv(t)
	ua := env.factory.Last()

	env.setDesired(t, agent.Online)
	ua.Emit(engine.UAEvent{Type: engine.UAConnected})

	env.clock.Advance(agent.DefaultTransitionTimeout - time.Millisecond)
	assert.Equal(t, agent.Changing, env.ctrl.Status().Get())

	env.clock.Advance(time.Millisecond)
	assert.Equal(t, agent.Error, env.ctrl.Status().Get())
	assert.False(t, env.ctrl.Changing().Get())
	require.Len(t, env.notices, 1)
	assert.Equal(t, agent.NoticeTransitionTimeout, env.notices[0].Kind)
	assert.Equal(t, agent.MessageTransitionTimeout, env.notices[0].Message)

	// поздняя регистрация не перезаписывает зафиксированный error
	ua.Emit(engine.UAEvent{Type: engine.UARegistered})
	assert.Equal(t, agent.Error, env.ctrl.Status().Get())
	assert.Equal(t, 1, ua.Starts, "автоматического повтора нет")
}

func TestControllerLastWriteWins(t *testing.T) {
	env := newControllerEnv(t)
	ua := env.factory.Last()

	env.setDesired(t, agent.Online)
	env.clock.Advance(10 * time.Second)
	env.setDesired(t, agent.Offline)

	// агент уже offline, новое желаемое состояние достигнуто сразу
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())
	assert.Equal(t, 1, ua.Stops)

	// таймер вытесненного ожидания не срабатывает
	env.clock.Advance(10 * time.Second)
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())
	assert.Empty(t, env.notices)

	// поздние события первого перехода не меняют фазу, статус просто отражает агента
	ua.GoOnline()
	assert.Equal(t, agent.Online, env.ctrl.Status().Get())
	assert.False(t, env.ctrl.Changing().Get())
}

func TestControllerStatusFollowsRawStateWhenIdle(t *testing.T) {
	env := newControllerEnv(t)
	ua := env.factory.Last()

	env.setDesired(t, agent.Online)
	ua.GoOnline()
	require.Equal(t, agent.Online, env.ctrl.Status().Get())

	ua.Emit(engine.UAEvent{Type: engine.UADisconnected})
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())

	ua.Emit(engine.UAEvent{Type: engine.UAConnected})
	assert.Equal(t, agent.Online, env.ctrl.Status().Get())
}

func TestControllerErrorClearsOnNextDesiredState(t *testing.T) {
	env := newControllerEnv(t)
	ua := env.factory.Last()

	env.setDesired(t, agent.Online)
	env.clock.Advance(agent.DefaultTransitionTimeout)
	require.Equal(t, agent.Error, env.ctrl.Status().Get())

	env.setDesired(t, agent.Online)
	assert.Equal(t, agent.Changing, env.ctrl.Status().Get())
	ua.GoOnline()
	assert.Equal(t, agent.Online, env.ctrl.Status().Get())
}

func TestControllerReplaceAgent(t *testing.T) {
	env := newControllerEnv(t)
	first := env.factory.Last()
	firstAgent := env.ctrl.Current().Get()

	env.setDesired(t, agent.Online)
	first.GoOnline()
	require.Equal(t, agent.Online, env.ctrl.Status().Get())

	other := testCreds
	other.Identity = "1002"
	env.do(func() { require.NoError(t, env.ctrl.SetCredentials(&other)) })

	second := env.factory.Last()
	require.NotSame(t, first, second)
	assert.True(t, firstAgent.Destroyed())
	assert.True(t, first.Closed)
	assert.Equal(t, 0, second.Starts, "новый агент не регистрируется сам")
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())
	assert.Equal(t, agent.Offline, env.ctrl.Desired().Get())

	// события старого агента больше не влияют на статус
	first.GoOnline()
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())
}

func TestControllerKeepsAgentOnCreateError(t *testing.T) {
	env := newControllerEnv(t)
	current := env.ctrl.Current().Get()

	env.factory.Err = enginetest.ErrCommand
	env.do(func() {
		err := env.ctrl.SetCredentials(&engine.Credentials{ServerURL: "sip:other", Identity: "x"})
		assert.Error(t, err)
	})

	assert.Same(t, current, env.ctrl.Current().Get())
	require.Len(t, env.notices, 1)
	assert.Equal(t, agent.NoticeAgentCreateFailed, env.notices[0].Kind)
	assert.Equal(t, agent.MessageAgentCreateFailed, env.notices[0].Message)
}

func TestControllerWithoutAgentIgnoresDesiredState(t *testing.T) {
	exec := state.NewInline()
	ctrl := agent.NewController(exec, agent.ControllerConfig{Factory: enginetest.NewFactory()})

	exec.Post(func() { require.NoError(t, ctrl.SetDesiredState(agent.Online)) })
	assert.Equal(t, agent.Offline, ctrl.Status().Get())
	assert.Equal(t, agent.Online, ctrl.Desired().Get())

	exec.Post(func() { assert.Error(t, ctrl.SetDesiredState(agent.Changing)) })
}

func TestControllerShutdown(t *testing.T) {
	env := newControllerEnv(t)
	a := env.ctrl.Current().Get()

	env.do(env.ctrl.Shutdown)
	assert.Nil(t, env.ctrl.Current().Get())
	assert.True(t, a.Destroyed())
	assert.Equal(t, agent.Offline, env.ctrl.Status().Get())
}
