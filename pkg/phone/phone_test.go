package phone_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/engine/enginetest"
	"github.com/arzzra/softphone/pkg/notify"
	"github.com/arzzra/softphone/pkg/phone"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/state"
	"github.com/arzzra/softphone/pkg/state/statetest"
)

type clipSink struct {
	mu      sync.Mutex
	played  []string
	stopped []string
}

func (s *clipSink) PlayClip(name string, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, name)
	return nil
}

func (s *clipSink) StopClip(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, name)
}

type fixture struct {
	phone   *phone.Phone
	factory *enginetest.Factory
	timers  *statetest.ManualTimers
	sink    *clipSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		factory: enginetest.NewFactory(),
		timers:  statetest.NewManualTimers(),
		sink:    &clipSink{},
	}
	p, err := phone.New(phone.Options{
		Factory:       f.factory,
		Executor:      state.NewInline(),
		Timers:        f.timers,
		Registry:      session.DefaultRegistryConfig(),
		Sink:          f.sink,
		PrimaryTone:   notify.PrimaryTone(),
		SecondaryTone: notify.SecondaryTone(),
	})
	require.NoError(t, err)
	f.phone = p
	return f
}

var testCreds = &engine.Credentials{
	ServerURL: "sip:pbx.example.com",
	Identity:  "1001",
	Secret:    "secret",
}

func (f *fixture) online(t *testing.T) *enginetest.UA {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.phone.SetCredentials(ctx, testCreds))
	require.NoError(t, f.phone.SetAgentConfig(ctx, &engine.AgentConfig{RegisterExpires: time.Minute}))
	require.NoError(t, f.phone.SetDesiredState(ctx, agent.Online))
	ua := f.factory.Last()
	require.NotNil(t, ua)
	ua.GoOnline()
	return ua
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := phone.New(phone.Options{Executor: state.NewInline()})
	assert.Error(t, err)
}

func TestGoOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.Offline, snap.Status)
	assert.Empty(t, snap.AgentID)
	assert.Empty(t, snap.Sessions)

	require.NoError(t, f.phone.SetCredentials(ctx, testCreds))
	require.NoError(t, f.phone.SetAgentConfig(ctx, &engine.AgentConfig{}))
	require.NoError(t, f.phone.SetDesiredState(ctx, agent.Online))

	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.Changing, snap.Status)
	assert.Equal(t, agent.Online, snap.Desired)
	assert.True(t, snap.Changing)
	assert.NotEmpty(t, snap.AgentID)

	f.factory.Last().GoOnline()

	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.Online, snap.Status)
	assert.False(t, snap.Changing)
	assert.True(t, snap.AgentReady)
}

func TestTransitionTimeoutNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var notices []agent.Notice
	f.phone.Notices().Subscribe(func(n agent.Notice) { notices = append(notices, n) })

	require.NoError(t, f.phone.SetCredentials(ctx, testCreds))
	require.NoError(t, f.phone.SetAgentConfig(ctx, &engine.AgentConfig{}))
	require.NoError(t, f.phone.SetDesiredState(ctx, agent.Online))
	f.timers.Advance(agent.DefaultTransitionTimeout)

	snap, err := f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.Error, snap.Status)
	require.Len(t, notices, 1)
	assert.Equal(t, agent.NoticeTransitionTimeout, notices[0].Kind)
}

func TestIncomingCallFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ua := f.online(t)

	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	ua.NewCall(call)

	snap, err := f.phone.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	view := snap.Sessions[0]
	assert.Equal(t, "c1", view.ID)
	assert.Equal(t, "alice", view.Identity)
	assert.Equal(t, engine.Incoming, view.Direction)
	assert.True(t, view.Pristine)
	assert.False(t, view.Confirmed)
	assert.Equal(t, "c1", snap.Selected)
	assert.Equal(t, []string{notify.PrimaryTone().Path}, f.sink.played)

	require.NoError(t, f.phone.Answer(ctx, "c1"))
	require.Len(t, call.Answers, 1)
	call.Confirm()

	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	view, ok := snap.Session("c1")
	require.True(t, ok)
	assert.True(t, view.Confirmed)
	assert.False(t, view.Pristine)
	assert.Contains(t, f.sink.stopped, notify.PrimaryTone().Path)

	require.NoError(t, f.phone.Mute(ctx, "c1"))
	require.NoError(t, f.phone.Hold(ctx, "c1"))
	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	view, _ = snap.Session("c1")
	assert.True(t, view.Muted)
	assert.True(t, view.OnHold)

	require.NoError(t, f.phone.UnMute(ctx, "c1"))
	require.NoError(t, f.phone.UnHold(ctx, "c1"))
	require.NoError(t, f.phone.Finish(ctx, "c1", 0))
	assert.Equal(t, []int{engine.StatusRequestTerminated}, call.Terminates)

	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Sessions)
	assert.Empty(t, snap.Selected)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t)

	assert.ErrorIs(t, f.phone.Mute(ctx, "nope"), phone.ErrUnknownSession)
	assert.ErrorIs(t, f.phone.Hold(ctx, "nope"), phone.ErrUnknownSession)
	assert.ErrorIs(t, f.phone.Answer(ctx, "nope"), phone.ErrUnknownSession)
	assert.ErrorIs(t, f.phone.Finish(ctx, "nope", 486), phone.ErrUnknownSession)
	assert.NoError(t, f.phone.SwitchTo(ctx, "nope"))
}

func TestInitCallAndSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ua := f.online(t)

	require.NoError(t, f.phone.InitCall(ctx, "bob"))
	assert.Equal(t, []string{"bob"}, ua.Targets)

	ua.NewCall(enginetest.NewCall("c2", "carol", engine.Incoming))
	snap, err := f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Sessions, 2)
	assert.Equal(t, "out-bob", snap.Selected)

	require.NoError(t, f.phone.SwitchTo(ctx, "c2"))
	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c2", snap.Selected)

	require.NoError(t, f.phone.SwitchTo(ctx, ""))
	snap, err = f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Selected)
}

func TestSubscribeCoalesces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ua := f.online(t)

	calls := 0
	cancel, err := f.phone.Subscribe(ctx, func() { calls++ })
	require.NoError(t, err)

	// новая сессия меняет карту, выбор и флаги, уведомление одно
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	ua.NewCall(call)
	assert.Equal(t, 1, calls)

	require.NoError(t, f.phone.Mute(ctx, "c1"))
	assert.Equal(t, 2, calls)

	// ответ без подтверждения ничего видимого не меняет
	require.NoError(t, f.phone.Answer(ctx, "c1"))
	assert.Equal(t, 2, calls)

	call.Confirm()
	assert.Equal(t, 3, calls)

	cancel()
	ua.NewCall(enginetest.NewCall("c2", "bob", engine.Incoming))
	assert.Equal(t, 3, calls)
}

func TestReplacingAgentDropsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ua := f.online(t)
	ua.NewCall(enginetest.NewCall("c1", "alice", engine.Incoming))

	require.NoError(t, f.phone.SetCredentials(ctx, &engine.Credentials{
		ServerURL: "sip:pbx.example.com",
		Identity:  "1002",
		Secret:    "secret",
	}))
	assert.True(t, ua.Closed)

	snap, err := f.phone.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Sessions)
	assert.Equal(t, agent.Offline, snap.Status)
	assert.NotSame(t, ua, f.factory.Last())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ua := f.online(t)

	require.NoError(t, f.phone.Close(ctx))
	assert.True(t, ua.Closed)
	assert.ErrorIs(t, f.phone.InitCall(ctx, "bob"), state.ErrClosed)
	_, err := f.phone.Snapshot(ctx)
	assert.ErrorIs(t, err, state.ErrClosed)
	assert.NoError(t, f.phone.Close(ctx))
}

func TestOwnLoop(t *testing.T) {
	factory := enginetest.NewFactory()
	p, err := phone.New(phone.Options{Factory: factory, Registry: session.DefaultRegistryConfig()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.SetCredentials(ctx, testCreds))
	require.NoError(t, p.SetAgentConfig(ctx, &engine.AgentConfig{}))

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.AgentID)

	require.NoError(t, p.Close(ctx))
	assert.True(t, factory.Last().Closed)
	_, err = p.Snapshot(ctx)
	assert.Error(t, err)
}
