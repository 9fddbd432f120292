package sipua

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/engine"
)

func TestPeerConnectionExchange(t *testing.T) {
	a, err := newPeerConnection("127.0.0.1", false)
	require.NoError(t, err)
	defer a.Close()
	b, err := newPeerConnection("127.0.0.1", false)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SetRemote(mediaOffer{Host: "127.0.0.1", Port: b.Port(), Formats: []string{"8"}}))
	require.NoError(t, b.SetRemote(mediaOffer{Host: "127.0.0.1", Port: a.Port(), Formats: []string{"0"}}))

	var (
		mu     sync.Mutex
		tracks []engine.TrackEvent
	)
	b.OnTrack(func(ev engine.TrackEvent) {
		mu.Lock()
		tracks = append(tracks, ev)
		mu.Unlock()
	})

	a.Start(true)
	b.Start(false)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tracks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := tracks[0]
	mu.Unlock()
	assert.Equal(t, "audio", ev.Track.Kind())
	require.Len(t, ev.Streams, 1)

	pkt, err := ev.Track.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint8(payloadPCMA), pkt.PayloadType)
	assert.Len(t, pkt.Payload, samplesPerFrame)
	assert.Equal(t, byte(0xD5), pkt.Payload[0])

	// поздний подписчик получает уже существующую дорожку
	late := make(chan engine.TrackEvent, 1)
	b.OnTrack(func(ev engine.TrackEvent) { late <- ev })
	select {
	case got := <-late:
		assert.Equal(t, ev.Track.ID(), got.Track.ID())
	default:
		t.Fatal("late subscriber got no track")
	}

	removed := make(chan engine.MediaTrack, 1)
	ev.Streams[0].OnRemoveTrack(func(tr engine.MediaTrack) { removed <- tr })
	require.NoError(t, b.Close())

	select {
	case tr := <-removed:
		assert.Equal(t, ev.Track.ID(), tr.ID())
	case <-time.After(time.Second):
		t.Fatal("track was not removed on close")
	}
	_, err = ev.Track.ReadRTP()
	assert.ErrorIs(t, err, ErrTrackStopped)
	assert.NoError(t, b.Close())
}

func TestPeerConnectionZeroHostKeepsRemote(t *testing.T) {
	pc, err := newPeerConnection("127.0.0.1", false)
	require.NoError(t, err)
	defer pc.Close()

	require.NoError(t, pc.SetRemote(mediaOffer{Host: "0.0.0.0", Port: 4000, Formats: []string{"8"}}))
	assert.Nil(t, pc.transport.RemoteAddr())
	assert.Equal(t, uint8(payloadPCMA), pc.payload)
}

func TestTrackPushDropsWhenFull(t *testing.T) {
	tr := newTrack()
	for range trackQueueSize + 10 {
		tr.push(nil)
	}
	assert.Len(t, tr.packets, trackQueueSize)

	tr.Stop()
	tr.Stop()
	tr.push(nil)
}

func TestSilence(t *testing.T) {
	assert.Equal(t, byte(0xFF), silence(payloadPCMU)[0])
	assert.Equal(t, byte(0xD5), silence(payloadPCMA)[0])
	assert.Len(t, silence(payloadPCMU), samplesPerFrame)
}
