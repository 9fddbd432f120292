package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/zaf/g711"

	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/session"
)

// Payload types G.711
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
)

// Output воспроизведение одного удаленного потока.
type Output interface {
	Start() error
	Close() error
}

// OutputFactory создает вывод для потока выбранной сессии.
type OutputFactory func(stream *session.AudioStream) (Output, error)

// ErrOutputStarted повторный запуск вывода
var ErrOutputStarted = errors.New("audio output already started")

// WriterOutputs выводит декодированный 16-битный PCM (little endian) в w.
// Пакеты других кодеков пишутся как есть.
func WriterOutputs(w io.Writer, m *metrics.Metrics) OutputFactory {
	var mu sync.Mutex
	return func(stream *session.AudioStream) (Output, error) {
		if stream == nil {
			return nil, errors.New("nil audio stream")
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &rtpOutput{
			stream:  stream,
			w:       w,
			wmu:     &mu,
			metrics: m,
			ctx:     ctx,
			cancel:  cancel,
			done:    make(chan struct{}),
		}, nil
	}
}

// rtpOutput читает пакеты потока в своей горутине до Close или остановки
// дорожки.
type rtpOutput struct {
	stream  *session.AudioStream
	w       io.Writer
	wmu     *sync.Mutex
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

func (o *rtpOutput) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrOutputStarted
	}
	go o.pump()
	return nil
}

func (o *rtpOutput) pump() {
	defer close(o.done)
	for {
		pkt, err := o.stream.ReadRTP(o.ctx)
		if err != nil {
			slog.Debug("audio output stopped",
				slog.String("streamID", o.stream.ID()),
				slog.String("reason", err.Error()))
			return
		}
		if err := o.write(pkt); err != nil {
			slog.Error("audio output write failed",
				slog.String("streamID", o.stream.ID()),
				slog.String("error", err.Error()))
			return
		}
		o.metrics.AudioPacket()
	}
}

func (o *rtpOutput) write(pkt *rtp.Packet) error {
	data := decodePayload(pkt.PayloadType, pkt.Payload)
	o.wmu.Lock()
	defer o.wmu.Unlock()
	_, err := o.w.Write(data)
	return err
}

// Close останавливает чтение и ждет выхода горутины.
func (o *rtpOutput) Close() error {
	o.cancel()
	if o.started.Load() {
		<-o.done
	}
	return nil
}

func decodePayload(pt uint8, payload []byte) []byte {
	switch pt {
	case PayloadTypePCMU:
		return g711.DecodeUlaw(payload)
	case PayloadTypePCMA:
		return g711.DecodeAlaw(payload)
	default:
		return payload
	}
}
