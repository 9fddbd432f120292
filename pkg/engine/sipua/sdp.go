package sipua

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Направления медиа потока в SDP
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// Поддерживаемые форматы
const (
	payloadPCMU           = 0
	payloadPCMA           = 8
	payloadTelephoneEvent = 101

	defaultPtime = 20 * time.Millisecond
)

// mediaOffer разобранное аудио описание удаленной стороны.
type mediaOffer struct {
	Host      string
	Port      int
	Direction string
	Formats   []string
	Ptime     time.Duration
}

// Addr адрес RTP удаленной стороны.
func (m mediaOffer) Addr() string {
	return m.Host + ":" + strconv.Itoa(m.Port)
}

// OnHold удаленная сторона поставила нас на удержание.
func (m mediaOffer) OnHold() bool {
	return m.Direction == DirectionSendOnly || m.Direction == DirectionInactive || isZeroHost(m.Host)
}

func isZeroHost(host string) bool {
	return host == "0.0.0.0" || host == "::"
}

// buildSDP формирует описание с одним аудио потоком.
func buildSDP(host string, port int, sessionID uint64, version uint64, direction string) ([]byte, error) {
	if direction == "" {
		direction = DirectionSendRecv
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
			Formats: []string{
				strconv.Itoa(payloadPCMU),
				strconv.Itoa(payloadPCMA),
				strconv.Itoa(payloadTelephoneEvent),
			},
		},
	}
	media.Attributes = append(media.Attributes,
		sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
		sdp.NewAttribute("rtpmap", "8 PCMA/8000"),
		sdp.NewAttribute("rtpmap", "101 telephone-event/8000"),
		sdp.NewAttribute("fmtp", "101 0-16"),
		sdp.NewAttribute("ptime", strconv.Itoa(int(defaultPtime/time.Millisecond))),
		sdp.NewPropertyAttribute(direction),
	)
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	data, err := desc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "ошибка формирования SDP")
	}
	return data, nil
}

// parseSDP извлекает аудио описание из тела сообщения.
func parseSDP(body []byte) (mediaOffer, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return mediaOffer{}, errors.Wrap(err, "ошибка разбора SDP")
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return mediaOffer{}, errors.New("аудио описание не найдено в SDP")
	}

	// connection на уровне медиа приоритетнее уровня сессии
	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return mediaOffer{}, errors.New("информация о соединении не найдена в SDP")
	}

	offer := mediaOffer{
		Host:      conn.Address.Address,
		Port:      audio.MediaName.Port.Value,
		Direction: DirectionSendRecv,
		Formats:   audio.MediaName.Formats,
		Ptime:     defaultPtime,
	}
	for _, attr := range desc.Attributes {
		if isDirection(attr.Key) {
			offer.Direction = attr.Key
		}
	}
	for _, attr := range audio.Attributes {
		switch {
		case isDirection(attr.Key):
			offer.Direction = attr.Key
		case attr.Key == "ptime":
			if ms, err := strconv.Atoi(strings.TrimSpace(attr.Value)); err == nil && ms > 0 {
				offer.Ptime = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return offer, nil
}

func isDirection(key string) bool {
	switch key {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return true
	}
	return false
}

// answerDirection направление ответа на направление предложения.
func answerDirection(offered string) string {
	switch offered {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// selectPayload первый поддерживаемый голосовой формат из предложения.
func selectPayload(formats []string) (uint8, bool) {
	for _, f := range formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if pt == payloadPCMU || pt == payloadPCMA {
			return uint8(pt), true
		}
	}
	return 0, false
}
