// Package engine описывает контракт с сигнальным движком (SIP стек и медиа),
// поверх которого работает слой оркестрации агента и сессий.
//
// Движок сообщает о событиях из собственных горутин. Потребители обязаны
// переносить обработку в свой последовательный исполнитель.
package engine

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// ErrNotStarted агент движка не запущен или уже остановлен.
var ErrNotStarted = errors.New("user agent not started")

// ConnectionState состояние транспортного соединения с сервером.
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// RegistrationState состояние регистрации на сервере.
type RegistrationState string

const (
	Registered         RegistrationState = "registered"
	Unregistered       RegistrationState = "unregistered"
	RegistrationFailed RegistrationState = "failed"
)

// Direction направление вызова.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Originator сторона, инициировавшая событие вызова.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// Credentials учетные данные агента. Неизменяемы, смена означает новый агент.
type Credentials struct {
	ServerURL string
	Identity  string
	Secret    string
}

// AgentConfig параметры соединения агента.
type AgentConfig struct {
	// RegisterExpires срок регистрации
	RegisterExpires time.Duration
	// Границы интервала переподключения
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration
	// Метод обновления session timers: invite или update
	SessionTimersRefreshMethod string

	UserAgent  string
	Transport  string
	ListenAddr string
	// MediaHost адрес для RTP сокетов
	MediaHost string
	// SecureMedia включает DTLS для медиа
	SecureMedia bool
}

// MediaConstraints запрашиваемые медиа для вызова.
type MediaConstraints struct {
	Audio bool `json:"audio" yaml:"audio"`
	Video bool `json:"video" yaml:"video"`
}

// CallOptions параметры исходящего вызова или ответа.
type CallOptions struct {
	Media        MediaConstraints
	ExtraHeaders map[string]string
}

// Factory создает пользовательский агент движка.
type Factory interface {
	NewUserAgent(creds Credentials, cfg AgentConfig) (UserAgent, error)
}

// FactoryFunc адаптер функции к Factory.
type FactoryFunc func(creds Credentials, cfg AgentConfig) (UserAgent, error)

func (f FactoryFunc) NewUserAgent(creds Credentials, cfg AgentConfig) (UserAgent, error) {
	return f(creds, cfg)
}

// UserAgent одно сигнальное соединение с сервером.
type UserAgent interface {
	// Start подключается и регистрируется. Результат приходит событиями.
	Start() error
	// Stop снимает регистрацию и отключается.
	Stop() error
	// Call начинает исходящий вызов. Сам вызов приходит событием UANewCall.
	Call(target string, opts CallOptions) error
	// OnEvent устанавливает обработчик событий агента.
	OnEvent(fn func(UAEvent))
	// Close освобождает сокеты. После Close агент непригоден.
	Close() error
}

// UAEventType тип события пользовательского агента.
type UAEventType int

const (
	UAConnecting UAEventType = iota
	UAConnected
	UADisconnected
	UARegistered
	UAUnregistered
	UARegistrationFailed
	UANewCall
)

func (t UAEventType) String() string {
	switch t {
	case UAConnecting:
		return "connecting"
	case UAConnected:
		return "connected"
	case UADisconnected:
		return "disconnected"
	case UARegistered:
		return "registered"
	case UAUnregistered:
		return "unregistered"
	case UARegistrationFailed:
		return "registrationFailed"
	case UANewCall:
		return "newCall"
	default:
		return "unknown"
	}
}

// UAEvent событие пользовательского агента.
type UAEvent struct {
	Type UAEventType
	// Call заполнен для UANewCall
	Call Call
	// Cause причина для отказов и разрывов
	Cause string
}

// Call дескриптор одного вызова.
type Call interface {
	// CallID идентификатор диалога
	CallID() string
	// RemoteUser пользовательская часть удаленного URI, может быть пустой
	RemoteUser() string
	Direction() Direction
	// Connection медиа соединение, nil пока оно не создано
	Connection() PeerConnection
	// IsOnHold локальное удержание
	IsOnHold() bool
	// OnEvent подписывает на события вызова
	OnEvent(fn func(CallEvent)) (cancel func())

	Answer(opts CallOptions) error
	Terminate(code int) error
	Hold() error
	Unhold() error
	Mute() error
	Unmute() error
}

// CallEventType тип события вызова.
type CallEventType int

const (
	CallPeerConnection CallEventType = iota
	CallConfirmed
	CallHold
	CallUnhold
	CallMuted
	CallUnmuted
	CallEnded
	CallFailed
)

func (t CallEventType) String() string {
	switch t {
	case CallPeerConnection:
		return "peerconnection"
	case CallConfirmed:
		return "confirmed"
	case CallHold:
		return "hold"
	case CallUnhold:
		return "unhold"
	case CallMuted:
		return "muted"
	case CallUnmuted:
		return "unmuted"
	case CallEnded:
		return "ended"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CallEvent событие вызова.
type CallEvent struct {
	Type       CallEventType
	Originator Originator
	// Connection заполнен для CallPeerConnection
	Connection PeerConnection
	Cause      string
}

// PeerConnection медиа соединение вызова.
type PeerConnection interface {
	// OnTrack подписывает на появление удаленных дорожек.
	OnTrack(fn func(TrackEvent)) (cancel func())
}

// TrackEvent появление удаленной дорожки вместе с потоками, в которые она входит.
type TrackEvent struct {
	Track   MediaTrack
	Streams []MediaStream
}

// MediaTrack удаленная медиа дорожка.
type MediaTrack interface {
	ID() string
	// Kind audio или video
	Kind() string
	// ReadRTP блокируется до следующего пакета. После Stop возвращает ошибку.
	ReadRTP() (*rtp.Packet, error)
	Stop()
}

// MediaStream удаленный поток, группирующий дорожки.
type MediaStream interface {
	ID() string
	// OnRemoveTrack подписывает на удаление дорожки из потока.
	OnRemoveTrack(fn func(MediaTrack)) (cancel func())
}

// Коды завершения вызова
const (
	StatusBusyHere          = 486
	StatusRequestTerminated = 487
	StatusDecline           = 603
)
