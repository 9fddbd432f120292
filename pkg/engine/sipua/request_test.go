package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDialog() *dialogState {
	return &dialogState{
		callID:    "call-1",
		local:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		localTag:  "local",
		remote:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
		remoteTag: "remote",
		target:    sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.5", Port: 5062},
		contact:   sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1", Port: 5060},
	}
}

func TestDialogRequest(t *testing.T) {
	d := testDialog()

	req := d.request(sip.INVITE)
	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "10.0.0.5", req.Recipient.Host)
	assert.Equal(t, 5062, req.Recipient.Port)
	assert.Equal(t, "call-1", req.CallID().Value())
	assert.Equal(t, "local", fromTagOf(req.From()))
	assert.Equal(t, "remote", remoteTagOf(req.To()))
	assert.Equal(t, uint32(1), req.CSeq().SeqNo)
	assert.Equal(t, sip.INVITE, req.CSeq().MethodName)
	require.NotNil(t, req.Contact())
	assert.Equal(t, "127.0.0.1", req.Contact().Address.Host)

	bye := d.request(sip.BYE)
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	assert.Nil(t, bye.Contact())
}

func TestDialogAckKeepsInviteCSeq(t *testing.T) {
	d := testDialog()
	invite := d.request(sip.INVITE)

	ack := d.ack(invite.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)

	next := d.request(sip.INVITE)
	assert.Equal(t, invite.CSeq().SeqNo+1, next.CSeq().SeqNo)
}

func TestDialogObserveCSeq(t *testing.T) {
	d := testDialog()
	d.request(sip.INVITE)
	d.observeCSeq(5)
	assert.Equal(t, uint32(6), d.request(sip.BYE).CSeq().SeqNo)

	d.observeCSeq(1)
	assert.Equal(t, uint32(7), d.request(sip.BYE).CSeq().SeqNo)
}

func TestDialogSetRemote(t *testing.T) {
	d := testDialog()
	d.remoteTag = ""
	d.setRemote("tag-2", &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", Host: "10.0.0.9", Port: 5070}})

	req := d.request(sip.BYE)
	assert.Equal(t, "tag-2", remoteTagOf(req.To()))
	assert.Equal(t, "10.0.0.9", req.Recipient.Host)

	// пустой тег не затирает известный
	d.setRemote("", nil)
	assert.Equal(t, "tag-2", remoteTagOf(d.request(sip.BYE).To()))
}

func TestDialogRoutes(t *testing.T) {
	headers := []sip.Header{
		sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>"),
		sip.NewHeader("Record-Route", "<sip:p2.example.com;lr>"),
	}

	uas := testDialog()
	uas.setRoutes(headers, false)
	routes := uas.request(sip.BYE).GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Contains(t, routes[0].Value(), "p1.example.com")
	assert.Contains(t, routes[1].Value(), "p2.example.com")

	uac := testDialog()
	uac.setRoutes(headers, true)
	routes = uac.request(sip.BYE).GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Contains(t, routes[0].Value(), "p2.example.com")
	assert.Contains(t, routes[1].Value(), "p1.example.com")
}

func TestCancelRequest(t *testing.T) {
	d := testDialog()
	d.remoteTag = ""
	invite := d.request(sip.INVITE)

	cancel := cancelRequest(invite)
	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, invite.Recipient.Host, cancel.Recipient.Host)
	assert.Equal(t, "call-1", cancel.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, "local", fromTagOf(cancel.From()))
	// исходный INVITE не меняется
	assert.Equal(t, sip.INVITE, invite.CSeq().MethodName)
}

func TestSetBodyAndExtraHeaders(t *testing.T) {
	req := testDialog().request(sip.INVITE)
	setBody(req, []byte("v=0\r\n"))
	addExtraHeaders(req, map[string]string{"X-Queue": "support"})

	assert.Equal(t, "v=0\r\n", string(req.Body()))
	require.NotNil(t, req.GetHeader("Content-Type"))
	assert.Equal(t, contentTypeSDP, req.GetHeader("Content-Type").Value())
	require.NotNil(t, req.GetHeader("X-Queue"))
	assert.Equal(t, "support", req.GetHeader("X-Queue").Value())
}

func TestHasToTag(t *testing.T) {
	d := testDialog()
	assert.True(t, hasToTag(d.request(sip.INVITE)))

	d.remoteTag = ""
	assert.False(t, hasToTag(d.request(sip.INVITE)))
}
