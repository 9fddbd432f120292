package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
)

// AudioStream собственный поток с единственной удаленной аудио дорожкой.
// Создается заново на каждую пришедшую дорожку.
//
// Дорожку читает одна горутина потока. Читатели ReadRTP получают пакеты
// по очереди и могут уйти по отмене контекста, не забирая пакет.
type AudioStream struct {
	id    string
	track engine.MediaTrack

	once     sync.Once
	stopOnce sync.Once
	packets  chan *rtp.Packet
	stopped  chan struct{}
	done     chan struct{}
	err      error
}

func newAudioStream(track engine.MediaTrack) *AudioStream {
	return &AudioStream{
		id:      uuid.NewString(),
		track:   track,
		packets: make(chan *rtp.Packet),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *AudioStream) ID() string {
	return a.id
}

// Track исходная дорожка движка.
func (a *AudioStream) Track() engine.MediaTrack {
	return a.track
}

// ReadRTP ждет следующий пакет дорожки или отмену ctx. После остановки
// дорожки возвращает ошибку чтения.
func (a *AudioStream) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	a.once.Do(func() { go a.read() })
	select {
	case pkt := <-a.packets:
		return pkt, nil
	case <-a.done:
		return nil, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *AudioStream) read() {
	defer close(a.done)
	for {
		pkt, err := a.track.ReadRTP()
		if err != nil {
			a.err = err
			return
		}
		select {
		case a.packets <- pkt:
		case <-a.stopped:
			a.err = errStreamStopped
			return
		}
	}
}

var errStreamStopped = errors.New("audio stream stopped")

// Stop останавливает дорожку.
func (a *AudioStream) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
	a.track.Stop()
}
