//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// voicePriority приоритет сокета для интерактивного аудио
const voicePriority = 6

func applyVoiceSockOpts(fd uintptr, dscp int) error {
	intFd := int(fd)

	// в контейнерах SO_PRIORITY может быть запрещен
	_ = unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_PRIORITY, voicePriority)

	if dscp <= 0 {
		return nil
	}
	// DSCP в старших 6 битах TOS
	tos := dscp << 2
	if err := unix.SetsockoptInt(intFd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(intFd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
