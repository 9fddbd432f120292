// Package enginetest управляемая вручную реализация движка для тестов
// слоя оркестрации. События генерируются синхронно в горутине теста.
package enginetest

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
)

// Factory создает FakeUA и запоминает их.
type Factory struct {
	mu  sync.Mutex
	UAs []*UA
	// Err возвращается из NewUserAgent, если задан
	Err error
}

var _ engine.Factory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) NewUserAgent(creds engine.Credentials, cfg engine.AgentConfig) (engine.UserAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	ua := &UA{Creds: creds, Config: cfg}
	f.UAs = append(f.UAs, ua)
	return ua, nil
}

// Last последний созданный агент.
func (f *Factory) Last() *UA {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.UAs) == 0 {
		return nil
	}
	return f.UAs[len(f.UAs)-1]
}

// UA управляемый пользовательский агент.
type UA struct {
	mu      sync.Mutex
	handler func(engine.UAEvent)

	Creds  engine.Credentials
	Config engine.AgentConfig

	Starts  int
	Stops   int
	Closed  bool
	Targets []string
	Options []engine.CallOptions

	StartErr error
	StopErr  error
	CallErr  error
}

var _ engine.UserAgent = (*UA)(nil)

func (u *UA) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Starts++
	return u.StartErr
}

func (u *UA) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Stops++
	return u.StopErr
}

// Call запоминает цель и генерирует исходящий вызов.
func (u *UA) Call(target string, opts engine.CallOptions) error {
	u.mu.Lock()
	if u.CallErr != nil {
		err := u.CallErr
		u.mu.Unlock()
		return err
	}
	u.Targets = append(u.Targets, target)
	u.Options = append(u.Options, opts)
	u.mu.Unlock()

	u.NewCall(NewCall("out-"+target, target, engine.Outgoing))
	return nil
}

func (u *UA) OnEvent(fn func(engine.UAEvent)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = fn
}

func (u *UA) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Closed = true
	return nil
}

// Emit доставляет событие обработчику агента.
func (u *UA) Emit(ev engine.UAEvent) {
	u.mu.Lock()
	h := u.handler
	u.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// GoOnline эмулирует успешное подключение и регистрацию.
func (u *UA) GoOnline() {
	u.Emit(engine.UAEvent{Type: engine.UAConnected})
	u.Emit(engine.UAEvent{Type: engine.UARegistered})
}

// GoOffline эмулирует снятие регистрации и отключение.
func (u *UA) GoOffline() {
	u.Emit(engine.UAEvent{Type: engine.UAUnregistered})
	u.Emit(engine.UAEvent{Type: engine.UADisconnected})
}

// NewCall сообщает о новом вызове.
func (u *UA) NewCall(c *Call) {
	u.Emit(engine.UAEvent{Type: engine.UANewCall, Call: c})
}

// Call управляемый вызов.
type Call struct {
	mu       sync.Mutex
	id       string
	remote   string
	dir      engine.Direction
	conn     engine.PeerConnection
	onHold   bool
	handlers map[int]func(engine.CallEvent)
	nextID   int

	Answers    []engine.CallOptions
	Terminates []int
	Holds      int
	Unholds    int
	Mutes      int
	Unmutes    int

	AnswerErr    error
	TerminateErr error
	HoldErr      error
	MuteErr      error
}

var _ engine.Call = (*Call)(nil)

// ErrCommand удобная ошибка для имитации сбоя команды.
var ErrCommand = errors.New("enginetest: command failed")

func NewCall(id, remote string, dir engine.Direction) *Call {
	return &Call{
		id:       id,
		remote:   remote,
		dir:      dir,
		handlers: make(map[int]func(engine.CallEvent)),
	}
}

// WithConnection задает соединение, доступное сразу при создании вызова.
func (c *Call) WithConnection(pc engine.PeerConnection) *Call {
	c.conn = pc
	return c
}

func (c *Call) CallID() string              { return c.id }
func (c *Call) RemoteUser() string          { return c.remote }
func (c *Call) Direction() engine.Direction { return c.dir }

func (c *Call) Connection() engine.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Call) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

func (c *Call) OnEvent(fn func(engine.CallEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Subscribers количество активных подписчиков.
func (c *Call) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *Call) Answer(opts engine.CallOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AnswerErr != nil {
		return c.AnswerErr
	}
	c.Answers = append(c.Answers, opts)
	return nil
}

// Terminate при успехе генерирует ended.
func (c *Call) Terminate(code int) error {
	c.mu.Lock()
	c.Terminates = append(c.Terminates, code)
	err := c.TerminateErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.Emit(engine.CallEvent{Type: engine.CallEnded, Originator: engine.OriginatorLocal})
	return nil
}

func (c *Call) Hold() error {
	c.mu.Lock()
	if c.HoldErr != nil {
		err := c.HoldErr
		c.mu.Unlock()
		return err
	}
	c.Holds++
	c.onHold = true
	c.mu.Unlock()
	c.Emit(engine.CallEvent{Type: engine.CallHold, Originator: engine.OriginatorLocal})
	return nil
}

func (c *Call) Unhold() error {
	c.mu.Lock()
	if c.HoldErr != nil {
		err := c.HoldErr
		c.mu.Unlock()
		return err
	}
	c.Unholds++
	c.onHold = false
	c.mu.Unlock()
	c.Emit(engine.CallEvent{Type: engine.CallUnhold, Originator: engine.OriginatorLocal})
	return nil
}

func (c *Call) Mute() error {
	c.mu.Lock()
	if c.MuteErr != nil {
		err := c.MuteErr
		c.mu.Unlock()
		return err
	}
	c.Mutes++
	c.mu.Unlock()
	c.Emit(engine.CallEvent{Type: engine.CallMuted, Originator: engine.OriginatorLocal})
	return nil
}

func (c *Call) Unmute() error {
	c.mu.Lock()
	if c.MuteErr != nil {
		err := c.MuteErr
		c.mu.Unlock()
		return err
	}
	c.Unmutes++
	c.mu.Unlock()
	c.Emit(engine.CallEvent{Type: engine.CallUnmuted, Originator: engine.OriginatorLocal})
	return nil
}

// Emit доставляет событие всем подписчикам вызова.
func (c *Call) Emit(ev engine.CallEvent) {
	c.mu.Lock()
	list := make([]func(engine.CallEvent), 0, len(c.handlers))
	for i := 0; i < c.nextID; i++ {
		if h, ok := c.handlers[i]; ok {
			list = append(list, h)
		}
	}
	c.mu.Unlock()
	for _, h := range list {
		h(ev)
	}
}

// Confirm эмулирует подтверждение вызова.
func (c *Call) Confirm() {
	c.Emit(engine.CallEvent{Type: engine.CallConfirmed, Originator: engine.OriginatorRemote})
}

// End эмулирует завершение вызова удаленной стороной.
func (c *Call) End() {
	c.Emit(engine.CallEvent{Type: engine.CallEnded, Originator: engine.OriginatorRemote})
}

// Connect создает соединение позже, как это делает движок для входящих вызовов.
func (c *Call) Connect(pc engine.PeerConnection) {
	c.mu.Lock()
	c.conn = pc
	c.mu.Unlock()
	c.Emit(engine.CallEvent{Type: engine.CallPeerConnection, Connection: pc})
}

// PeerConnection управляемое медиа соединение.
type PeerConnection struct {
	mu       sync.Mutex
	handlers map[int]func(engine.TrackEvent)
	nextID   int
}

var _ engine.PeerConnection = (*PeerConnection)(nil)

func NewPeerConnection() *PeerConnection {
	return &PeerConnection{handlers: make(map[int]func(engine.TrackEvent))}
}

func (p *PeerConnection) OnTrack(fn func(engine.TrackEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Subscribers количество подписчиков на дорожки.
func (p *PeerConnection) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// AddTrack сообщает о новой дорожке.
func (p *PeerConnection) AddTrack(track engine.MediaTrack, streams ...engine.MediaStream) {
	p.mu.Lock()
	list := make([]func(engine.TrackEvent), 0, len(p.handlers))
	for i := 0; i < p.nextID; i++ {
		if h, ok := p.handlers[i]; ok {
			list = append(list, h)
		}
	}
	p.mu.Unlock()
	for _, h := range list {
		h(engine.TrackEvent{Track: track, Streams: streams})
	}
}

// Track дорожка с очередью пакетов.
type Track struct {
	id      string
	kind    string
	packets chan *rtp.Packet
	once    sync.Once
	done    chan struct{}
}

var _ engine.MediaTrack = (*Track)(nil)

func NewTrack(id, kind string) *Track {
	return &Track{
		id:      id,
		kind:    kind,
		packets: make(chan *rtp.Packet, 64),
		done:    make(chan struct{}),
	}
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return t.kind }

// ErrTrackStopped возвращается ReadRTP после Stop.
var ErrTrackStopped = errors.New("enginetest: track stopped")

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.done:
		return nil, ErrTrackStopped
	}
}

// Push кладет пакет в очередь дорожки.
func (t *Track) Push(p *rtp.Packet) {
	t.packets <- p
}

func (t *Track) Stop() {
	t.once.Do(func() { close(t.done) })
}

// Stopped сообщает, была ли дорожка остановлена.
func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stream поток с уведомлением об удалении дорожек.
type Stream struct {
	mu       sync.Mutex
	id       string
	handlers map[int]func(engine.MediaTrack)
	nextID   int
}

var _ engine.MediaStream = (*Stream)(nil)

func NewStream(id string) *Stream {
	return &Stream{id: id, handlers: make(map[int]func(engine.MediaTrack))}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) OnRemoveTrack(fn func(engine.MediaTrack)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Subscribers количество подписчиков на удаление.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// RemoveTrack сообщает об удалении дорожки.
func (s *Stream) RemoveTrack(track engine.MediaTrack) {
	s.mu.Lock()
	list := make([]func(engine.MediaTrack), 0, len(s.handlers))
	for i := 0; i < s.nextID; i++ {
		if h, ok := s.handlers[i]; ok {
			list = append(list, h)
		}
	}
	s.mu.Unlock()
	for _, h := range list {
		h(track)
	}
}
