package sipua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSDPParsesBack(t *testing.T) {
	body, err := buildSDP("192.168.1.10", 40000, 1, 2, DirectionSendOnly)
	require.NoError(t, err)
	assert.Contains(t, string(body), "m=audio 40000 RTP/AVP 0 8 101")
	assert.Contains(t, string(body), "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, string(body), "a=sendonly")

	offer, err := parseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", offer.Host)
	assert.Equal(t, 40000, offer.Port)
	assert.Equal(t, "192.168.1.10:40000", offer.Addr())
	assert.Equal(t, DirectionSendOnly, offer.Direction)
	assert.Equal(t, []string{"0", "8", "101"}, offer.Formats)
	assert.Equal(t, 20*time.Millisecond, offer.Ptime)
	assert.True(t, offer.OnHold())
}

func TestBuildSDPDefaultsToSendRecv(t *testing.T) {
	body, err := buildSDP("10.0.0.1", 5004, 1, 1, "")
	require.NoError(t, err)

	offer, err := parseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, DirectionSendRecv, offer.Direction)
	assert.False(t, offer.OnHold())
}

func TestParseSDPMediaConnectionWins(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 6000 RTP/AVP 8\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"a=ptime:30\r\n" +
		"a=recvonly\r\n"

	offer, err := parseSDP([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", offer.Host)
	assert.Equal(t, 30*time.Millisecond, offer.Ptime)
	assert.Equal(t, DirectionRecvOnly, offer.Direction)
	assert.False(t, offer.OnHold())
}

func TestParseSDPZeroHostIsHold(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 0.0.0.0\r\n" +
		"s=-\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"t=0 0\r\n" +
		"m=audio 6000 RTP/AVP 0\r\n"

	offer, err := parseSDP([]byte(body))
	require.NoError(t, err)
	assert.True(t, offer.OnHold())
}

func TestParseSDPErrors(t *testing.T) {
	_, err := parseSDP([]byte("garbage"))
	assert.Error(t, err)

	noAudio := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 6000 RTP/AVP 96\r\n"
	_, err = parseSDP([]byte(noAudio))
	assert.Error(t, err)

	noConnection := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 6000 RTP/AVP 0\r\n"
	_, err = parseSDP([]byte(noConnection))
	assert.Error(t, err)
}

func TestAnswerDirection(t *testing.T) {
	tests := map[string]string{
		DirectionSendRecv: DirectionSendRecv,
		DirectionSendOnly: DirectionRecvOnly,
		DirectionRecvOnly: DirectionSendOnly,
		DirectionInactive: DirectionInactive,
		"":                DirectionSendRecv,
	}
	for offered, want := range tests {
		assert.Equal(t, want, answerDirection(offered), offered)
	}
}

func TestSelectPayload(t *testing.T) {
	pt, ok := selectPayload([]string{"101", "8", "0"})
	require.True(t, ok)
	assert.Equal(t, uint8(payloadPCMA), pt)

	_, ok = selectPayload([]string{"96", "101", "x"})
	assert.False(t, ok)
}
