package sipua

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
	rtptransport "github.com/arzzra/softphone/pkg/rtp"
)

// ErrTrackStopped чтение из остановленной дорожки.
var ErrTrackStopped = errors.New("track stopped")

const (
	// samplesPerFrame отсчетов G.711 в 20 мс
	samplesPerFrame = 160
	trackQueueSize  = 64
)

// peerConnection медиа соединение вызова поверх RTP транспорта.
type peerConnection struct {
	transport rtptransport.Transport
	secure    *rtptransport.DTLSTransport

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[uint64]func(engine.TrackEvent)
	nextID   uint64
	track    *track
	stream   *stream
	payload  uint8
	started  bool
	closed   bool

	muted atomic.Bool
	held  atomic.Bool
}

var _ engine.PeerConnection = (*peerConnection)(nil)

func newPeerConnection(host string, secure bool) (*peerConnection, error) {
	local := net.JoinHostPort(host, "0")

	pc := &peerConnection{
		handlers: make(map[uint64]func(engine.TrackEvent)),
		payload:  payloadPCMU,
	}
	pc.ctx, pc.cancel = context.WithCancel(context.Background())

	if secure {
		cfg := rtptransport.DefaultDTLSTransportConfig()
		cfg.LocalAddr = local
		t, err := rtptransport.NewDTLSTransport(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "ошибка создания DTLS транспорта")
		}
		pc.transport, pc.secure = t, t
		return pc, nil
	}

	cfg := rtptransport.DefaultTransportConfig()
	cfg.LocalAddr = local
	t, err := rtptransport.NewUDPTransport(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания RTP транспорта")
	}
	pc.transport = t
	return pc, nil
}

// Port локальный порт для SDP.
func (pc *peerConnection) Port() int {
	if addr, ok := pc.transport.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// SetRemote применяет описание удаленной стороны.
func (pc *peerConnection) SetRemote(offer mediaOffer) error {
	if pt, ok := selectPayload(offer.Formats); ok {
		pc.mu.Lock()
		pc.payload = pt
		pc.mu.Unlock()
	}
	if isZeroHost(offer.Host) || offer.Port == 0 {
		return nil
	}
	return pc.transport.SetRemoteAddr(offer.Addr())
}

func (pc *peerConnection) OnTrack(fn func(engine.TrackEvent)) (cancel func()) {
	pc.mu.Lock()
	id := pc.nextID
	pc.nextID++
	pc.handlers[id] = fn
	tr, st := pc.track, pc.stream
	pc.mu.Unlock()

	if tr != nil {
		fn(engine.TrackEvent{Track: tr, Streams: []engine.MediaStream{st}})
	}
	return func() {
		pc.mu.Lock()
		delete(pc.handlers, id)
		pc.mu.Unlock()
	}
}

// Start запускает прием и отправку. Для DTLS сначала выполняется рукопожатие,
// клиентом выступает сторона, отправившая offer.
func (pc *peerConnection) Start(offerer bool) {
	pc.mu.Lock()
	if pc.started || pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.started = true
	pc.mu.Unlock()

	go func() {
		if pc.secure != nil {
			if err := pc.secure.Handshake(pc.ctx, offerer); err != nil {
				slog.Warn("peerConnection.Start", slog.Any("error", err))
				return
			}
		}
		go pc.send()
		pc.receive()
	}()
}

// SetMuted отключает отправку микрофона.
func (pc *peerConnection) SetMuted(muted bool) {
	pc.muted.Store(muted)
}

// SetHeld останавливает отправку на время удержания.
func (pc *peerConnection) SetHeld(held bool) {
	pc.held.Store(held)
}

func (pc *peerConnection) receive() {
	for {
		pkt, _, err := pc.transport.Receive(pc.ctx)
		if err != nil {
			if pc.ctx.Err() != nil || errors.Is(err, rtptransport.ErrClosed) {
				return
			}
			if rtptransport.IsTimeout(err) {
				continue
			}
			slog.Debug("peerConnection.receive", slog.Any("error", err))
			return
		}
		pc.deliver(pkt)
	}
}

func (pc *peerConnection) deliver(pkt *rtp.Packet) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	tr := pc.track
	var handlers []func(engine.TrackEvent)
	if tr == nil {
		tr = newTrack()
		pc.track = tr
		pc.stream = newStream()
		for _, fn := range pc.handlers {
			handlers = append(handlers, fn)
		}
	}
	st := pc.stream
	pc.mu.Unlock()

	for _, fn := range handlers {
		fn(engine.TrackEvent{Track: tr, Streams: []engine.MediaStream{st}})
	}
	tr.push(pkt)
}

// send отправляет тишину в такт ptime, пока микрофон не отключен.
func (pc *peerConnection) send() {
	ticker := time.NewTicker(defaultPtime)
	defer ticker.Stop()

	var (
		seq       = uint16(rand.UintN(1 << 16))
		timestamp = rand.Uint32()
		ssrc      = rand.Uint32()
	)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-ticker.C:
		}
		timestamp += samplesPerFrame
		if pc.muted.Load() || pc.held.Load() {
			continue
		}

		pc.mu.Lock()
		pt := pc.payload
		pc.mu.Unlock()

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    pt,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: silence(pt),
		}
		seq++
		if err := pc.transport.Send(pkt); err != nil {
			if errors.Is(err, rtptransport.ErrClosed) {
				return
			}
			// удаленный адрес еще не известен
			continue
		}
	}
}

func silence(pt uint8) []byte {
	b := byte(0xFF)
	if pt == payloadPCMA {
		b = 0xD5
	}
	frame := make([]byte, samplesPerFrame)
	for i := range frame {
		frame[i] = b
	}
	return frame
}

// Close останавливает медиа и удаляет дорожку из потока.
func (pc *peerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	tr, st := pc.track, pc.stream
	pc.handlers = map[uint64]func(engine.TrackEvent){}
	pc.mu.Unlock()

	pc.cancel()
	err := pc.transport.Close()
	if tr != nil {
		st.remove(tr)
		tr.Stop()
	}
	return err
}

// track удаленная аудио дорожка.
type track struct {
	id      string
	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

var _ engine.MediaTrack = (*track)(nil)

func newTrack() *track {
	return &track{
		id:      uuid.NewString(),
		packets: make(chan *rtp.Packet, trackQueueSize),
		done:    make(chan struct{}),
	}
}

func (t *track) ID() string   { return t.id }
func (t *track) Kind() string { return "audio" }

// push кладет пакет в очередь. При переполнении пакет отбрасывается.
func (t *track) push(pkt *rtp.Packet) {
	select {
	case <-t.done:
	case t.packets <- pkt:
	default:
	}
}

func (t *track) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-t.done:
		return nil, ErrTrackStopped
	default:
	}
	select {
	case <-t.done:
		return nil, ErrTrackStopped
	case pkt := <-t.packets:
		return pkt, nil
	}
}

func (t *track) Stop() {
	t.once.Do(func() { close(t.done) })
}

// stream удаленный поток из одной дорожки.
type stream struct {
	id string

	mu       sync.Mutex
	handlers map[uint64]func(engine.MediaTrack)
	nextID   uint64
}

var _ engine.MediaStream = (*stream)(nil)

func newStream() *stream {
	return &stream{
		id:       uuid.NewString(),
		handlers: make(map[uint64]func(engine.MediaTrack)),
	}
}

func (s *stream) ID() string { return s.id }

func (s *stream) OnRemoveTrack(fn func(engine.MediaTrack)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *stream) remove(t engine.MediaTrack) {
	s.mu.Lock()
	handlers := make([]func(engine.MediaTrack), 0, len(s.handlers))
	for _, fn := range s.handlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(t)
	}
}
