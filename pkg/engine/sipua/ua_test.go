package sipua

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/engine"
)

func TestParseServer(t *testing.T) {
	tests := []struct {
		raw  string
		host string
		port int
	}{
		{raw: "sip:pbx.example.com", host: "pbx.example.com"},
		{raw: "pbx.example.com:5080", host: "pbx.example.com", port: 5080},
		{raw: "wss://pbx.example.com:7443/ws", host: "pbx.example.com", port: 7443},
		{raw: " sip:10.0.0.1:5060 ", host: "10.0.0.1", port: 5060},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			uri, err := parseServer(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.host, uri.Host)
			assert.Equal(t, tt.port, uri.Port)
			assert.Empty(t, uri.User)
		})
	}

	_, err := parseServer("  ")
	assert.Error(t, err)
}

func TestParseIdentity(t *testing.T) {
	server := sip.Uri{Scheme: "sip", Host: "pbx.example.com", Port: 5080}

	aor, err := parseIdentity("1001", server)
	require.NoError(t, err)
	assert.Equal(t, "1001", aor.User)
	assert.Equal(t, "pbx.example.com", aor.Host)

	aor, err = parseIdentity("alice@corp.example.com", server)
	require.NoError(t, err)
	assert.Equal(t, "alice", aor.User)
	assert.Equal(t, "corp.example.com", aor.Host)

	aor, err = parseIdentity("sip:bob@other.example.com", server)
	require.NoError(t, err)
	assert.Equal(t, "bob", aor.User)
	assert.Equal(t, "other.example.com", aor.Host)
}

func TestTargetURI(t *testing.T) {
	u := &UA{server: sip.Uri{Scheme: "sip", Host: "pbx.example.com", Port: 5080}}

	uri, err := u.targetURI("2002")
	require.NoError(t, err)
	assert.Equal(t, "2002", uri.User)
	assert.Equal(t, "pbx.example.com", uri.Host)
	assert.Equal(t, 5080, uri.Port)

	uri, err = u.targetURI("carol@example.org")
	require.NoError(t, err)
	assert.Equal(t, "carol", uri.User)
	assert.Equal(t, "example.org", uri.Host)

	_, err = u.targetURI("")
	assert.Error(t, err)
}

func TestServerAddrDefaultPort(t *testing.T) {
	u := &UA{server: sip.Uri{Scheme: "sip", Host: "pbx.example.com"}}
	assert.Equal(t, "pbx.example.com:5060", u.serverAddr())
}

func TestRefreshAfter(t *testing.T) {
	assert.Equal(t, 54*time.Second, refreshAfter(60*time.Second))
	assert.Equal(t, minRefresh, refreshAfter(time.Second))
}

func TestBackoffBounds(t *testing.T) {
	u := &UA{cfg: engine.AgentConfig{
		ReconnectMinInterval: 2 * time.Second,
		ReconnectMaxInterval: 4 * time.Second,
	}}
	for range 100 {
		d := u.backoff()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}

	u.cfg.ReconnectMaxInterval = time.Second
	assert.Equal(t, 2*time.Second, u.backoff())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(engine.Credentials{ServerURL: "", Identity: "1001", Secret: "x"}, engine.AgentConfig{ListenAddr: "127.0.0.1:0"})
	assert.Error(t, err)

	_, err = New(engine.Credentials{ServerURL: "sip:pbx", Identity: "1001", Secret: "x"}, engine.AgentConfig{ListenAddr: "bad"})
	assert.Error(t, err)
}

func TestCallBeforeStart(t *testing.T) {
	u, err := New(
		engine.Credentials{ServerURL: "sip:127.0.0.1:5999", Identity: "1001", Secret: "x"},
		engine.AgentConfig{ListenAddr: "127.0.0.1:0", MediaHost: "127.0.0.1", UserAgent: "test"},
	)
	require.NoError(t, err)
	defer u.Close()

	assert.ErrorIs(t, u.Call("2002", engine.CallOptions{}), ErrNotStarted)
	assert.NoError(t, u.Stop())
	assert.NoError(t, u.Close())
	assert.ErrorIs(t, u.Start(), ErrClosed)
}
