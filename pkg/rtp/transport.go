// Package rtp содержит сетевые транспорты RTP для голосовых вызовов:
// UDP и DTLS поверх UDP, с настройкой сокетов под голосовой трафик.
package rtp

import (
	"context"
	"net"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12
	MaxRTPPacketSize   = 1500
	ExpectedRTPVersion = 2

	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DSCPExpeditedForwarding EF для интерактивного аудио
	DSCPExpeditedForwarding = 46
)

var (
	// ErrClosed транспорт закрыт
	ErrClosed = errors.New("rtp transport closed")
	// ErrNoRemote удаленный адрес еще не известен
	ErrNoRemote = errors.New("rtp remote address not set")
)

// Transport определяет интерфейс для транспортировки RTP пакетов.
type Transport interface {
	// Send отправляет RTP пакет
	Send(packet *rtp.Packet) error

	// Receive блокируется до пакета, закрытия транспорта или отмены ctx
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// SetRemoteAddr задает адрес назначения из SDP
	SetRemoteAddr(addr string) error

	Close() error
}

// TransportConfig базовая конфигурация транспорта.
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Удаленный адрес (опционально)
	BufferSize int    // Размер буфера для чтения
	DSCP       int    // DSCP маркировка, 0 без маркировки
}

// DefaultTransportConfig конфигурация по умолчанию для голоса.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: DefaultBufferSize,
		DSCP:       DSCPExpeditedForwarding,
	}
}

func (c *TransportConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return errors.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return errors.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return errors.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return errors.Errorf("невалидный payload type: %d", header.PayloadType)
	}
	return nil
}

// marshal проверяет заголовок и сериализует пакет.
func marshal(packet *rtp.Packet) ([]byte, error) {
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, errors.Wrap(err, "невалидный RTP заголовок для отправки")
	}
	data, err := packet.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "ошибка маршалинга RTP пакета")
	}
	if err := validatePacketSize(len(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// unmarshal разбирает и проверяет входящий пакет.
func unmarshal(data []byte) (*rtp.Packet, error) {
	if err := validatePacketSize(len(data)); err != nil {
		return nil, err
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "ошибка демаршалинга RTP пакета")
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, err
	}
	return packet, nil
}

// IsTimeout сообщает, что ошибка чтения вызвана дедлайном.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
