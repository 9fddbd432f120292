package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/engine/enginetest"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/state"
)

func newSession(t *testing.T, call *enginetest.Call) *session.Session {
	t.Helper()
	s := session.New(state.NewInline(), call, session.DefaultOptions())
	require.NotNil(t, s)
	return s
}

func TestSessionPristineClearedByFirstConfirm(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	assert.True(t, s.IsPristine())
	assert.Equal(t, session.StateNew, s.State())

	var seen []bool
	s.Pristine().Watch(func(v bool) { seen = append(seen, v) })

	call.Confirm()
	assert.False(t, s.IsPristine())
	assert.True(t, s.IsConfirmed())
	assert.Equal(t, session.StateConfirmed, s.State())

	// повторные события не возвращают pristine
	call.Confirm()
	call.Emit(engine.CallEvent{Type: engine.CallHold})
	call.Emit(engine.CallEvent{Type: engine.CallUnhold})
	assert.False(t, s.IsPristine())
	assert.Equal(t, []bool{false}, seen)
}

func TestSessionEmptyRemoteUserGetsPlaceholder(t *testing.T) {
	s := newSession(t, enginetest.NewCall("c1", "", engine.Incoming))
	assert.Contains(t, s.RemoteIdentity(), "unknown-")

	other := newSession(t, enginetest.NewCall("c2", "", engine.Incoming))
	assert.NotEqual(t, s.RemoteIdentity(), other.RemoteIdentity())
}

func TestSessionTrackWithImmediateConnection(t *testing.T) {
	pc := enginetest.NewPeerConnection()
	call := enginetest.NewCall("c1", "alice", engine.Outgoing).WithConnection(pc)
	s := newSession(t, call)
	require.Equal(t, 1, pc.Subscribers())

	track := enginetest.NewTrack("t1", "audio")
	stream := enginetest.NewStream("s1")
	pc.AddTrack(track, stream)

	audio := s.RemoteAudio().Get()
	require.NotNil(t, audio)
	assert.Same(t, track, audio.Track())
	assert.Equal(t, 1, stream.Subscribers())
}

func TestSessionTrackSubscriptionDeferredUntilConnection(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	pc := enginetest.NewPeerConnection()
	call.Connect(pc)
	require.Equal(t, 1, pc.Subscribers())

	pc.AddTrack(enginetest.NewTrack("t1", "audio"), enginetest.NewStream("s1"))
	assert.NotNil(t, s.RemoteAudio().Get())
}

func TestSessionIgnoresVideoAndStreamlessTracks(t *testing.T) {
	pc := enginetest.NewPeerConnection()
	s := newSession(t, enginetest.NewCall("c1", "alice", engine.Outgoing).WithConnection(pc))

	pc.AddTrack(enginetest.NewTrack("v1", "video"), enginetest.NewStream("s1"))
	pc.AddTrack(enginetest.NewTrack("a1", "audio"))
	assert.Nil(t, s.RemoteAudio().Get())
}

func TestSessionTrackRemovalFiresOnce(t *testing.T) {
	pc := enginetest.NewPeerConnection()
	s := newSession(t, enginetest.NewCall("c1", "alice", engine.Outgoing).WithConnection(pc))

	track := enginetest.NewTrack("t1", "audio")
	stream := enginetest.NewStream("s1")
	pc.AddTrack(track, stream)
	require.NotNil(t, s.RemoteAudio().Get())

	// чужая дорожка не влияет
	stream.RemoveTrack(enginetest.NewTrack("other", "audio"))
	assert.NotNil(t, s.RemoteAudio().Get())
	assert.Equal(t, 1, stream.Subscribers())

	stream.RemoveTrack(track)
	assert.Nil(t, s.RemoteAudio().Get())
	assert.Equal(t, 0, stream.Subscribers(), "подписка на удаление однократная")
}

func TestSessionNewTrackReplacesAudio(t *testing.T) {
	pc := enginetest.NewPeerConnection()
	s := newSession(t, enginetest.NewCall("c1", "alice", engine.Outgoing).WithConnection(pc))

	first := enginetest.NewTrack("t1", "audio")
	firstStream := enginetest.NewStream("s1")
	pc.AddTrack(first, firstStream)

	second := enginetest.NewTrack("t2", "audio")
	pc.AddTrack(second, enginetest.NewStream("s2"))
	require.Same(t, second, s.RemoteAudio().Get().Track())

	// удаление старой дорожки не стирает новую
	firstStream.RemoveTrack(first)
	require.NotNil(t, s.RemoteAudio().Get())
	assert.Same(t, second, s.RemoteAudio().Get().Track())
}

func TestSessionHoldRefusedWhenUnconfirmed(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	s.Hold()
	assert.Equal(t, 0, call.Holds)
	assert.False(t, s.IsOnHold())

	call.Confirm()
	s.Hold()
	assert.Equal(t, 1, call.Holds)
	assert.True(t, s.IsOnHold())

	s.UnHold()
	assert.Equal(t, 1, call.Unholds)
	assert.False(t, s.IsOnHold())
}

func TestSessionFailedMuteKeepsState(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Outgoing)
	call.MuteErr = enginetest.ErrCommand
	s := newSession(t, call)

	s.Mute()
	assert.False(t, s.IsMuted())

	call.MuteErr = nil
	s.Mute()
	assert.True(t, s.IsMuted())
	s.UnMute()
	assert.False(t, s.IsMuted())
}

func TestSessionAnswer(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	require.NoError(t, s.Answer())
	require.NoError(t, s.Answer())
	require.Len(t, call.Answers, 1)
	assert.True(t, call.Answers[0].Media.Audio)
	assert.False(t, call.Answers[0].Media.Video)

	out := newSession(t, enginetest.NewCall("c2", "bob", engine.Outgoing))
	assert.ErrorIs(t, out.Answer(), session.ErrNotIncoming)
}

func TestSessionAnswerFailureCanRetry(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	call.AnswerErr = enginetest.ErrCommand
	s := newSession(t, call)

	err := s.Answer()
	require.Error(t, err)
	assert.ErrorIs(t, err, enginetest.ErrCommand)

	call.AnswerErr = nil
	require.NoError(t, s.Answer())
	assert.Len(t, call.Answers, 1)
}

func TestSessionFinishDefaultsCode(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	s.Finish(0)
	assert.Equal(t, []int{session.CodeRequestTerminated}, call.Terminates)
	assert.True(t, s.Destroyed())
	assert.Equal(t, session.StateEnded, s.State())
}

func TestSessionFinishForcesDestroyOnFailure(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	call.TerminateErr = enginetest.ErrCommand
	s := newSession(t, call)

	var ended []string
	s.Ended().Subscribe(func(id string) { ended = append(ended, id) })

	s.Finish(session.CodeDecline)
	assert.Equal(t, []int{session.CodeDecline}, call.Terminates)
	assert.True(t, s.Destroyed())
	assert.Equal(t, []string{"c1"}, ended)
}

func TestSessionDestroyIsIdempotent(t *testing.T) {
	pc := enginetest.NewPeerConnection()
	call := enginetest.NewCall("c1", "alice", engine.Outgoing).WithConnection(pc)
	s := newSession(t, call)

	track := enginetest.NewTrack("t1", "audio")
	stream := enginetest.NewStream("s1")
	pc.AddTrack(track, stream)

	ended := 0
	s.Ended().Subscribe(func(string) { ended++ })

	s.Destroy()
	s.Destroy()
	call.End()

	assert.Equal(t, 1, ended)
	assert.True(t, track.Stopped())
	assert.Nil(t, s.RemoteAudio().Get())
	assert.True(t, s.RemoteAudio().Closed())
	assert.Equal(t, 0, call.Subscribers())
	assert.Equal(t, 0, pc.Subscribers())
	assert.Equal(t, 0, stream.Subscribers())

	// команды после уничтожения ничего не делают
	s.Mute()
	assert.Equal(t, 0, call.Mutes)
	assert.ErrorIs(t, s.Answer(), session.ErrDestroyed)
}

func TestSessionRemoteEndDestroys(t *testing.T) {
	call := enginetest.NewCall("c1", "alice", engine.Incoming)
	s := newSession(t, call)

	call.Emit(engine.CallEvent{Type: engine.CallFailed, Originator: engine.OriginatorRemote, Cause: "Busy"})
	assert.True(t, s.Destroyed())
}
