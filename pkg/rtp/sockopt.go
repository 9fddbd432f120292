package rtp

import (
	"net"

	"github.com/pkg/errors"
)

// Буферы сокета под голос: около 3 секунд G.711 при 20ms пакетах
const (
	voiceRecvBuffer = 65535
	voiceSendBuffer = 65535
)

// setSockOptForVoice настраивает буферы, приоритет и DSCP сокета.
// Платформенная часть в sockopt_*.go.
func setSockOptForVoice(conn *net.UDPConn, config TransportConfig) error {
	if err := conn.SetReadBuffer(voiceRecvBuffer); err != nil {
		return errors.Wrap(err, "SO_RCVBUF")
	}
	if err := conn.SetWriteBuffer(voiceSendBuffer); err != nil {
		return errors.Wrap(err, "SO_SNDBUF")
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "не удалось получить системный сокет")
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = applyVoiceSockOpts(fd, config.DSCP)
	})
	if err != nil {
		return errors.Wrap(err, "ошибка управления сокетом")
	}
	return sockErr
}
