package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/engine/enginetest"
	"github.com/arzzra/softphone/pkg/state"
)

var testCreds = engine.Credentials{
	ServerURL: "sip:pbx.example.com",
	Identity:  "1001",
	Secret:    "secret",
}

func TestAgentTracksEngineState(t *testing.T) {
	exec := state.NewInline()
	factory := enginetest.NewFactory()

	a, err := agent.New(exec, factory, testCreds, engine.AgentConfig{})
	require.NoError(t, err, "агент должен создаваться")
	require.NotEmpty(t, a.ID())

	ua := factory.Last()
	assert.Equal(t, engine.Disconnected, a.Connection().Get())
	assert.Equal(t, engine.Unregistered, a.Registration().Get())
	assert.False(t, a.IsReady())

	ua.Emit(engine.UAEvent{Type: engine.UAConnecting})
	assert.Equal(t, engine.Connecting, a.Connection().Get())

	ua.GoOnline()
	assert.True(t, a.IsReady())

	ua.Emit(engine.UAEvent{Type: engine.UARegistrationFailed})
	assert.Equal(t, engine.RegistrationFailed, a.Registration().Get())
	assert.False(t, a.IsReady())
}

func TestAgentEmitsNewCalls(t *testing.T) {
	exec := state.NewInline()
	factory := enginetest.NewFactory()
	a, err := agent.New(exec, factory, testCreds, engine.AgentConfig{})
	require.NoError(t, err)

	var got []string
	a.NewCalls().Subscribe(func(c engine.Call) { got = append(got, c.CallID()) })

	factory.Last().NewCall(enginetest.NewCall("in-1", "2002", engine.Incoming))
	require.NoError(t, a.Call("3003", engine.CallOptions{}))

	assert.Equal(t, []string{"in-1", "out-3003"}, got)
	assert.Equal(t, []string{"3003"}, factory.Last().Targets)
}

func TestAgentConstructionFailure(t *testing.T) {
	exec := state.NewInline()

	factory := enginetest.NewFactory()
	_, err := agent.New(exec, factory, engine.Credentials{ServerURL: "sip:pbx"}, engine.AgentConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrInvalidCredentials)
	assert.Empty(t, factory.UAs, "движок не должен создаваться при неверных данных")

	factory.Err = enginetest.ErrCommand
	_, err = agent.New(exec, factory, testCreds, engine.AgentConfig{})
	assert.ErrorIs(t, err, enginetest.ErrCommand)
}

func TestAgentDestroyIsIdempotent(t *testing.T) {
	exec := state.NewInline()
	factory := enginetest.NewFactory()
	a, err := agent.New(exec, factory, testCreds, engine.AgentConfig{})
	require.NoError(t, err)
	ua := factory.Last()

	calls := 0
	a.NewCalls().Subscribe(func(engine.Call) { calls++ })

	a.Destroy()
	a.Destroy()

	assert.True(t, a.Destroyed())
	assert.True(t, ua.Closed)
	assert.Equal(t, 1, ua.Stops)

	// события после уничтожения игнорируются
	ua.GoOnline()
	ua.NewCall(enginetest.NewCall("late", "2002", engine.Incoming))
	assert.Equal(t, engine.Disconnected, a.Connection().Get())
	assert.Equal(t, 0, calls)

	// вызов без соединения ничего не делает
	assert.NoError(t, a.Call("3003", engine.CallOptions{}))
	assert.Empty(t, ua.Targets)
	assert.ErrorIs(t, a.Start(), agent.ErrDestroyed)
}

func TestAgentReplaysEarlyCallEvents(t *testing.T) {
	loop := state.NewLoop()
	t.Cleanup(loop.Close)
	factory := enginetest.NewFactory()
	ctx := context.Background()

	var a *agent.Agent
	var err error
	require.NoError(t, loop.Do(ctx, func() {
		a, err = agent.New(loop, factory, testCreds, engine.AgentConfig{})
	}))
	require.NoError(t, err)
	ua := factory.Last()

	events := make(chan engine.CallEvent, 8)
	var cancels []func()
	require.NoError(t, loop.Do(ctx, func() {
		a.NewCalls().Subscribe(func(c engine.Call) {
			cancels = append(cancels, c.OnEvent(func(ev engine.CallEvent) { events <- ev }))
		})
	}))

	// вызов успевает подтвердиться и завершиться, пока исполнитель занят
	release := make(chan struct{})
	loop.Post(func() { <-release })
	call := enginetest.NewCall("in-1", "2002", engine.Incoming)
	ua.NewCall(call)
	call.Confirm()
	call.End()
	close(release)

	for _, want := range []engine.CallEventType{engine.CallConfirmed, engine.CallEnded} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("не получено событие %s", want)
		}
	}

	subscribed := 0
	require.NoError(t, loop.Do(ctx, func() {
		subscribed = len(cancels)
		for _, cancel := range cancels {
			cancel()
		}
	}))
	assert.Equal(t, 1, subscribed)
	assert.Equal(t, 0, call.Subscribers(), "отписка снимает подписку с вызова движка")
}

func TestComposeStatus(t *testing.T) {
	conns := []engine.ConnectionState{engine.Connecting, engine.Connected, engine.Disconnected}
	regs := []engine.RegistrationState{engine.Registered, engine.Unregistered, engine.RegistrationFailed}

	for _, c := range conns {
		for _, r := range regs {
			want := agent.Offline
			if c == engine.Connected && r == engine.Registered {
				want = agent.Online
			}
			assert.Equal(t, want, agent.ComposeStatus(c, r), "%s/%s", c, r)
		}
	}
}
