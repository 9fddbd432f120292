package rtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// ErrHandshakePending DTLS рукопожатие еще не завершено
var ErrHandshakePending = errors.New("dtls handshake pending")

// DTLSTransportConfig конфигурация для DTLS транспорта.
type DTLSTransportConfig struct {
	TransportConfig

	// Certificates пусто означает самоподписанный сертификат
	Certificates []tls.Certificate
	CipherSuites []dtls.CipherSuiteID

	// InsecureSkipVerify отпечаток сертификата не передается в SDP,
	// поэтому проверка по умолчанию выключена
	InsecureSkipVerify bool

	HandshakeTimeout time.Duration
	MTU              int
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию.
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:    DefaultTransportConfig(),
		InsecureSkipVerify: true,
		HandshakeTimeout:   10 * time.Second,
		MTU:                1200,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// DTLSTransport шифрованный RTP поверх UDP. Сокет занимается сразу, чтобы
// порт попал в SDP, рукопожатие выполняется после обмена адресами.
type DTLSTransport struct {
	conn   *net.UDPConn
	config DTLSTransportConfig

	mutex      sync.RWMutex
	remoteAddr *net.UDPAddr
	dtlsConn   *dtls.Conn
	active     bool
}

var _ Transport = (*DTLSTransport)(nil)

// NewDTLSTransport создает DTLS транспорт. Рукопожатие не выполняется.
func NewDTLSTransport(config DTLSTransportConfig) (*DTLSTransport, error) {
	config.applyDefaults()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.MTU <= 0 {
		config.MTU = 1200
	}
	if len(config.Certificates) == 0 {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, errors.Wrap(err, "ошибка генерации сертификата")
		}
		config.Certificates = []tls.Certificate{cert}
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка разрешения локального адреса")
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания UDP соединения")
	}
	_ = setSockOptForVoice(conn, config.TransportConfig)

	t := &DTLSTransport{conn: conn, config: config, active: true}
	if config.RemoteAddr != "" {
		if err := t.SetRemoteAddr(config.RemoteAddr); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *DTLSTransport) dtlsConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:         t.config.Certificates,
		CipherSuites:         t.config.CipherSuites,
		InsecureSkipVerify:   t.config.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		MTU:                  t.config.MTU,
	}
}

// Handshake устанавливает DTLS сессию. Сторона, отправившая offer,
// выступает клиентом.
func (t *DTLSTransport) Handshake(ctx context.Context, client bool) error {
	t.mutex.RLock()
	remote := t.remoteAddr
	active := t.active
	t.mutex.RUnlock()
	if !active {
		return ErrClosed
	}
	if remote == nil {
		return ErrNoRemote
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	pc := &peerConn{UDPConn: t.conn, remote: remote}
	var (
		conn *dtls.Conn
		err  error
	)
	if client {
		conn, err = dtls.ClientWithContext(ctx, pc, t.dtlsConfig())
	} else {
		conn, err = dtls.ServerWithContext(ctx, pc, t.dtlsConfig())
	}
	if err != nil {
		return errors.Wrap(err, "ошибка DTLS рукопожатия")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		conn.Close()
		return ErrClosed
	}
	t.dtlsConn = conn
	return nil
}

func (t *DTLSTransport) session() (*dtls.Conn, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if !t.active {
		return nil, ErrClosed
	}
	if t.dtlsConn == nil {
		return nil, ErrHandshakePending
	}
	return t.dtlsConn, nil
}

func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	conn, err := t.session()
	if err != nil {
		return err
	}
	data, err := marshal(packet)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, "DTLS write")
	}
	return nil
}

// Receive блокируется до пакета. Прервать чтение можно через Close.
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	conn, err := t.session()
	if err != nil {
		return nil, nil, err
	}
	buffer := make([]byte, t.config.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		n, err := conn.Read(buffer)
		if err != nil {
			if !t.IsActive() {
				return nil, nil, ErrClosed
			}
			return nil, nil, errors.Wrap(err, "DTLS read")
		}
		packet, err := unmarshal(buffer[:n])
		if err != nil {
			continue
		}
		return packet, conn.RemoteAddr(), nil
	}
}

func (t *DTLSTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr задает адрес до рукопожатия. После рукопожатия адрес
// не меняется.
func (t *DTLSTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "ошибка разрешения удаленного адреса")
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.dtlsConn != nil {
		return nil
	}
	t.remoteAddr = remoteAddr
	return nil
}

func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	if !t.active {
		t.mutex.Unlock()
		return nil
	}
	t.active = false
	conn := t.dtlsConn
	t.mutex.Unlock()

	// dtls.Conn закрывает и нижний сокет
	if conn != nil {
		return conn.Close()
	}
	return t.conn.Close()
}

// peerConn net.Conn поверх неподключенного UDP сокета с фиксированным
// удаленным адресом. Пакеты с других адресов отбрасываются.
type peerConn struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (c *peerConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if addr.IP.Equal(c.remote.IP) && addr.Port == c.remote.Port {
			return n, nil
		}
	}
}

func (c *peerConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteToUDP(b, c.remote)
}

func (c *peerConn) RemoteAddr() net.Addr {
	return c.remote
}
