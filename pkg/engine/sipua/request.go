package sipua

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const contentTypeSDP = "application/sdp"

// dialogState адресация диалога для построения запросов внутри него.
type dialogState struct {
	mu sync.Mutex

	callID    string
	local     sip.Uri
	localTag  string
	remote    sip.Uri
	remoteTag string
	// target Contact удаленной стороны
	target  sip.Uri
	contact sip.Uri
	cseq    uint32
	routes  []sip.Uri
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// setRemote фиксирует тег и Contact удаленной стороны из ответа или запроса.
func (d *dialogState) setRemote(tag string, contact *sip.ContactHeader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tag != "" {
		d.remoteTag = tag
	}
	if contact != nil {
		d.target = contact.Address
	}
}

// setRoutes заполняет route set из Record-Route. UAC использует обратный порядок.
func (d *dialogState) setRoutes(headers []sip.Header, reverse bool) {
	routes := make([]sip.Uri, 0, len(headers))
	for _, h := range headers {
		value := strings.TrimSpace(h.Value())
		value = strings.TrimPrefix(value, "<")
		if i := strings.Index(value, ">"); i >= 0 {
			value = value[:i]
		}
		var uri sip.Uri
		if err := sip.ParseUri(value, &uri); err != nil {
			continue
		}
		routes = append(routes, uri)
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}

	d.mu.Lock()
	d.routes = routes
	d.mu.Unlock()
}

// nextCSeq увеличивает локальный номер последовательности.
func (d *dialogState) nextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	return d.cseq
}

// observeCSeq учитывает номер, увеличенный при повторе с авторизацией.
func (d *dialogState) observeCSeq(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.cseq {
		d.cseq = seq
	}
}

// request строит запрос внутри диалога с новым CSeq.
func (d *dialogState) request(method sip.RequestMethod) *sip.Request {
	return d.build(method, d.nextCSeq())
}

// ack строит ACK на 2xx с номером CSeq исходного INVITE.
func (d *dialogState) ack(inviteCSeq uint32) *sip.Request {
	return d.build(sip.ACK, inviteCSeq)
}

func (d *dialogState) build(method sip.RequestMethod, seq uint32) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := sip.NewRequest(method, d.target)

	from := &sip.FromHeader{
		Address: d.local,
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: d.remote,
		Params:  sip.NewParams(),
	}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if method != sip.ACK && method != sip.BYE {
		req.AppendHeader(&sip.ContactHeader{Address: d.contact})
	}
	for _, route := range d.routes {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

// cancelRequest строит CANCEL для отправленного INVITE.
func cancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancel.AppendHeader(cseq)
	}

	cancel.SetTransport(invite.Transport())
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}

// setBody устанавливает SDP тело вместе с Content-Type.
func setBody(msg interface {
	AppendHeader(sip.Header)
	SetBody([]byte)
}, body []byte) {
	contentType := sip.ContentTypeHeader(contentTypeSDP)
	msg.AppendHeader(&contentType)
	msg.SetBody(body)
}

// addExtraHeaders добавляет произвольные заголовки вызова.
func addExtraHeaders(req *sip.Request, headers map[string]string) {
	for name, value := range headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
}

// remoteTagOf тег из заголовка To ответа.
func remoteTagOf(to *sip.ToHeader) string {
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// hasToTag запрос относится к существующему диалогу.
func hasToTag(req *sip.Request) bool {
	return remoteTagOf(req.To()) != ""
}

func fromTagOf(from *sip.FromHeader) string {
	if from == nil || from.Params == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}
