package rtp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// readPoll период проверки ctx во время чтения
const readPoll = 100 * time.Millisecond

// UDPTransport реализует Transport интерфейс для UDP.
// Если удаленный адрес не задан, он берется из первого пакета.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig

	active bool
	mutex  sync.RWMutex
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport создает новый UDP транспорт для RTP.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	config.applyDefaults()

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка разрешения локального адреса")
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания UDP соединения")
	}

	// не критично: в контейнерах часть опций недоступна
	_ = setSockOptForVoice(conn, config)

	t := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}

	if config.RemoteAddr != "" {
		if err := t.SetRemoteAddr(config.RemoteAddr); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return t, nil
}

// Send отправляет RTP пакет по UDP.
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active := t.active
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return ErrClosed
	}
	if remoteAddr == nil {
		return ErrNoRemote
	}

	data, err := marshal(packet)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(data, remoteAddr); err != nil {
		return errors.Wrap(err, "UDP write")
	}
	return nil
}

// Receive получает RTP пакет по UDP.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	buffer := make([]byte, t.config.BufferSize)
	for {
		t.mutex.RLock()
		active := t.active
		t.mutex.RUnlock()
		if !active {
			return nil, nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		t.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if !t.IsActive() {
				return nil, nil, ErrClosed
			}
			return nil, nil, errors.Wrap(err, "UDP read")
		}

		packet, err := unmarshal(buffer[:n])
		if err != nil {
			// мусор на порту пропускаем
			continue
		}

		t.mutex.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
		}
		t.mutex.Unlock()

		return packet, addr, nil
	}
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "ошибка разрешения удаленного адреса")
	}
	t.mutex.Lock()
	t.remoteAddr = remoteAddr
	t.mutex.Unlock()
	return nil
}

// IsActive проверяет активность транспорта.
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}
