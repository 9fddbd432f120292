package sipua

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
)

// ErrCallState операция недопустима в текущем состоянии вызова.
var ErrCallState = errors.New("operation not allowed in call state")

// Состояния вызова
const (
	callEarly      = "early"
	callAnswering  = "answering"
	callConfirmed  = "confirmed"
	callTerminated = "terminated"
)

const (
	requestTimeout = 32 * time.Second
	// sessionExpires интервал session timer, обновление на половине срока
	sessionExpires = 30 * time.Minute

	statusRequestTimeout       = 408
	statusTransactionNotExists = 481
	statusNotAcceptableHere    = 488
	statusServerInternalError  = 500
)

// call вызов поверх SIP диалога.
type call struct {
	ua        *UA
	direction engine.Direction
	remote    string
	dialog    *dialogState
	fsm       *fsm.FSM
	// sessionID o= в SDP, неизменен весь вызов
	sessionID uint64

	mu       sync.Mutex
	handlers map[uint64]func(engine.CallEvent)
	nextID   uint64
	pc       *peerConnection
	offer    mediaOffer
	onHold   bool
	muted    bool
	version  uint64
	refresh  *time.Timer

	// входящий
	invite    *sip.Request
	inviteTx  sip.ServerTransaction
	finalSent chan struct{}
	finalOnce sync.Once

	// исходящий
	inviteCSeq uint32
}

var _ engine.Call = (*call)(nil)

func newCall(ua *UA, direction engine.Direction, d *dialogState, remote string) *call {
	c := &call{
		ua:        ua,
		direction: direction,
		remote:    remote,
		dialog:    d,
		handlers:  make(map[uint64]func(engine.CallEvent)),
		finalSent: make(chan struct{}),
		version:   uint64(time.Now().Unix()),
	}
	c.sessionID = c.version
	c.fsm = fsm.NewFSM(
		callEarly,
		fsm.Events{
			{Name: "answer", Src: []string{callEarly}, Dst: callAnswering},
			{Name: "confirm", Src: []string{callEarly, callAnswering}, Dst: callConfirmed},
			{Name: "end", Src: []string{callEarly, callAnswering, callConfirmed}, Dst: callTerminated},
		},
		fsm.Callbacks{},
	)
	return c
}

func (c *call) CallID() string              { return c.dialog.callID }
func (c *call) RemoteUser() string          { return c.remote }
func (c *call) Direction() engine.Direction { return c.direction }

func (c *call) Connection() engine.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return nil
	}
	return c.pc
}

func (c *call) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

func (c *call) state() string {
	return c.fsm.Current()
}

func (c *call) OnEvent(fn func(engine.CallEvent)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *call) emit(ev engine.CallEvent) {
	c.mu.Lock()
	handlers := make([]func(engine.CallEvent), 0, len(c.handlers))
	for _, fn := range c.handlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	slog.Debug("call.emit",
		slog.String("callID", c.CallID()),
		slog.String("event", ev.Type.String()),
		slog.String("originator", string(ev.Originator)))
	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *call) fire(event string) error {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		return errors.Wrapf(ErrCallState, "%s в состоянии %s", event, c.state())
	}
	return nil
}

// Answer отвечает 200 OK на входящий INVITE.
func (c *call) Answer(opts engine.CallOptions) error {
	if c.direction != engine.Incoming {
		return errors.Wrap(ErrCallState, "ответ на исходящий вызов")
	}
	if err := c.fire("answer"); err != nil {
		return err
	}

	pc, err := newPeerConnection(c.ua.cfg.MediaHost, c.ua.cfg.SecureMedia)
	if err != nil {
		c.finish(engine.OriginatorSystem, "media failure", statusServerInternalError, "Server Internal Error")
		return err
	}

	c.mu.Lock()
	offer := c.offer
	c.pc = pc
	c.mu.Unlock()

	if err := pc.SetRemote(offer); err != nil {
		slog.Warn("call.Answer", slog.String("callID", c.CallID()), slog.Any("error", err))
	}
	c.emit(engine.CallEvent{Type: engine.CallPeerConnection, Originator: engine.OriginatorLocal, Connection: pc})

	body, err := buildSDP(c.ua.cfg.MediaHost, pc.Port(), c.sessionID, c.nextVersion(), answerDirection(offer.Direction))
	if err != nil {
		c.finish(engine.OriginatorSystem, "sdp failure", statusServerInternalError, "Server Internal Error")
		return err
	}

	res := sip.NewResponseFromRequest(c.invite, sip.StatusOK, "OK", nil)
	c.tagResponse(res)
	res.AppendHeader(&sip.ContactHeader{Address: c.dialog.contact})
	setBody(res, body)
	for name, value := range opts.ExtraHeaders {
		res.AppendHeader(sip.NewHeader(name, value))
	}

	if err := c.inviteTx.Respond(res); err != nil {
		c.end(engine.OriginatorSystem, "transport error")
		return errors.Wrap(err, "ошибка отправки 200 OK")
	}
	c.markFinal()
	pc.Start(false)
	return nil
}

// tagResponse ставит локальный тег в To ответа.
func (c *call) tagResponse(res *sip.Response) {
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", c.dialog.localTag)
	}
}

func (c *call) markFinal() {
	c.finalOnce.Do(func() { close(c.finalSent) })
}

func (c *call) nextVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return c.version
}

// confirm входящий диалог подтвержден ACK.
func (c *call) confirm() {
	if err := c.fire("confirm"); err != nil {
		return
	}
	c.emit(engine.CallEvent{Type: engine.CallConfirmed, Originator: engine.OriginatorRemote})
	c.scheduleRefresh()
}

// Terminate завершает вызов способом, подходящим для его состояния.
func (c *call) Terminate(code int) error {
	switch c.state() {
	case callTerminated:
		return nil
	case callEarly:
		if c.direction == engine.Incoming {
			if code < 400 {
				code = engine.StatusRequestTerminated
			}
			c.finish(engine.OriginatorLocal, "Rejected", code, "")
			return nil
		}
		c.end(engine.OriginatorLocal, "Canceled")
		c.ua.spawn(c.sendCancel)
		return nil
	default:
		c.end(engine.OriginatorLocal, "Terminated")
		c.ua.spawn(c.sendBye)
		return nil
	}
}

// finish отклоняет входящий INVITE финальным ответом и завершает вызов.
func (c *call) finish(originator engine.Originator, cause string, code int, reason string) {
	if c.invite != nil && c.inviteTx != nil {
		res := sip.NewResponseFromRequest(c.invite, code, reason, nil)
		c.tagResponse(res)
		if err := c.inviteTx.Respond(res); err != nil {
			slog.Warn("call.finish", slog.String("callID", c.CallID()), slog.Any("error", err))
		}
		c.markFinal()
	}
	c.end(originator, cause)
}

// end переводит вызов в завершенное состояние и сообщает об этом один раз.
func (c *call) end(originator engine.Originator, cause string) {
	c.terminate(engine.CallEvent{Type: engine.CallEnded, Originator: originator, Cause: cause})
}

// fail завершение без установления диалога.
func (c *call) fail(originator engine.Originator, cause string) {
	c.terminate(engine.CallEvent{Type: engine.CallFailed, Originator: originator, Cause: cause})
}

func (c *call) terminate(ev engine.CallEvent) {
	if err := c.fire("end"); err != nil {
		return
	}
	c.mu.Lock()
	pc := c.pc
	if c.refresh != nil {
		c.refresh.Stop()
	}
	c.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	c.ua.untrack(c)
	c.markFinal()
	c.emit(ev)
}

func (c *call) sendCancel() {
	c.mu.Lock()
	invite := c.invite
	c.mu.Unlock()
	if invite == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ua.ctx, requestTimeout)
	defer cancel()

	res, err := c.ua.client.Do(ctx, cancelRequest(invite))
	if err != nil {
		slog.Warn("call.sendCancel", slog.String("callID", c.CallID()), slog.Any("error", err))
		return
	}
	slog.Debug("call.sendCancel", slog.String("callID", c.CallID()), slog.Int("status", int(res.StatusCode)))
}

func (c *call) sendBye() {
	ctx, cancel := context.WithTimeout(c.ua.ctx, requestTimeout)
	defer cancel()

	res, err := c.ua.client.Do(ctx, c.dialog.request(sip.BYE))
	if err != nil {
		slog.Warn("call.sendBye", slog.String("callID", c.CallID()), slog.Any("error", err))
		return
	}
	slog.Debug("call.sendBye", slog.String("callID", c.CallID()), slog.Int("status", int(res.StatusCode)))
}

// runInvite ведет клиентскую транзакцию исходящего INVITE.
func (c *call) runInvite(req *sip.Request) {
	ctx := c.ua.ctx
	authorized := false

	for {
		tx, err := c.ua.client.TransactionRequest(ctx, req)
		if err != nil {
			c.fail(engine.OriginatorSystem, err.Error())
			return
		}
		c.mu.Lock()
		c.invite = req
		c.mu.Unlock()

		res, err := c.waitFinal(ctx, tx)
		tx.Terminate()
		if err != nil {
			c.fail(engine.OriginatorSystem, err.Error())
			return
		}

		if needsAuth(res) && !authorized && c.state() == callEarly {
			authorized = true
			if err := authorize(req, res, c.ua.username(), c.ua.creds.Secret); err != nil {
				c.fail(engine.OriginatorSystem, err.Error())
				return
			}
			c.dialog.observeCSeq(req.CSeq().SeqNo)
			continue
		}

		if res.IsSuccess() {
			c.established(req, res)
			return
		}
		c.fail(engine.OriginatorRemote, res.Reason)
		return
	}
}

func (c *call) waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("транзакция INVITE завершена без ответа")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// established исходящий вызов принят: ACK, медиа и подтверждение.
func (c *call) established(req *sip.Request, res *sip.Response) {
	c.dialog.setRemote(remoteTagOf(res.To()), res.Contact())
	c.dialog.setRoutes(res.GetHeaders("Record-Route"), true)
	c.inviteCSeq = req.CSeq().SeqNo

	ack := c.dialog.ack(c.inviteCSeq)
	if err := c.ua.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		slog.Warn("call.established", slog.String("callID", c.CallID()), slog.Any("error", err))
	}

	// ответ пришел после CANCEL: диалог нужно закрыть
	if c.state() == callTerminated {
		c.ua.spawn(c.sendBye)
		return
	}

	offer, err := parseSDP(res.Body())
	if err != nil {
		slog.Warn("call.established", slog.String("callID", c.CallID()), slog.Any("error", err))
	} else {
		c.mu.Lock()
		c.offer = offer
		pc := c.pc
		c.mu.Unlock()
		if err := pc.SetRemote(offer); err != nil {
			slog.Warn("call.established", slog.String("callID", c.CallID()), slog.Any("error", err))
		}
	}

	if err := c.fire("confirm"); err != nil {
		c.ua.spawn(c.sendBye)
		return
	}
	c.pc.Start(true)
	c.emit(engine.CallEvent{Type: engine.CallConfirmed, Originator: engine.OriginatorRemote})
	c.scheduleRefresh()
}

func (c *call) Hold() error {
	return c.reinvite(true)
}

func (c *call) Unhold() error {
	return c.reinvite(false)
}

// reinvite меняет направление медиа повторным INVITE.
func (c *call) reinvite(hold bool) error {
	if c.state() != callConfirmed {
		return errors.Wrap(ErrCallState, "удержание до подтверждения")
	}
	c.ua.spawn(func() {
		direction := DirectionSendRecv
		if hold {
			direction = DirectionSendOnly
		}
		res, err := c.sendOffer(sip.INVITE, direction)
		if err != nil {
			slog.Warn("call.reinvite", slog.String("callID", c.CallID()), slog.Any("error", err))
			return
		}
		if !res.IsSuccess() {
			slog.Warn("call.reinvite",
				slog.String("callID", c.CallID()),
				slog.Int("status", int(res.StatusCode)))
			return
		}

		c.mu.Lock()
		c.onHold = hold
		pc := c.pc
		c.mu.Unlock()
		if pc != nil {
			pc.SetHeld(hold)
		}

		ev := engine.CallUnhold
		if hold {
			ev = engine.CallHold
		}
		c.emit(engine.CallEvent{Type: ev, Originator: engine.OriginatorLocal})
	})
	return nil
}

// sendOffer отправляет INVITE или UPDATE с SDP внутри диалога.
// На INVITE отправляется ACK.
func (c *call) sendOffer(method sip.RequestMethod, direction string) (*sip.Response, error) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return nil, errors.Wrap(ErrCallState, "нет медиа соединения")
	}

	body, err := buildSDP(c.ua.cfg.MediaHost, pc.Port(), c.sessionID, c.nextVersion(), direction)
	if err != nil {
		return nil, err
	}
	req := c.dialog.request(method)
	setBody(req, body)

	ctx, cancel := context.WithTimeout(c.ua.ctx, requestTimeout)
	defer cancel()
	res, err := c.ua.client.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "ошибка отправки %s", method)
	}
	if method == sip.INVITE && res.IsSuccess() {
		ack := c.dialog.ack(req.CSeq().SeqNo)
		if err := c.ua.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
			slog.Warn("call.sendOffer", slog.String("callID", c.CallID()), slog.Any("error", err))
		}
	}
	return res, nil
}

func (c *call) Mute() error {
	return c.setMuted(true)
}

func (c *call) Unmute() error {
	return c.setMuted(false)
}

func (c *call) setMuted(muted bool) error {
	if c.state() == callTerminated {
		return errors.Wrap(ErrCallState, "вызов завершен")
	}
	c.mu.Lock()
	c.muted = muted
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		pc.SetMuted(muted)
	}

	ev := engine.CallUnmuted
	if muted {
		ev = engine.CallMuted
	}
	c.emit(engine.CallEvent{Type: ev, Originator: engine.OriginatorLocal})
	return nil
}

// remoteOffer повторный INVITE от удаленной стороны: удержание или снятие.
func (c *call) remoteOffer(req *sip.Request, tx sip.ServerTransaction) {
	offer, err := parseSDP(req.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, statusNotAcceptableHere, "Not Acceptable Here", nil))
		return
	}

	c.mu.Lock()
	prev := c.offer
	c.offer = offer
	pc := c.pc
	c.mu.Unlock()

	port := 0
	if pc != nil {
		port = pc.Port()
		_ = pc.SetRemote(offer)
	}
	body, err := buildSDP(c.ua.cfg.MediaHost, port, c.sessionID, c.nextVersion(), answerDirection(offer.Direction))
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, statusServerInternalError, "Server Internal Error", nil))
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: c.dialog.contact})
	setBody(res, body)
	if err := tx.Respond(res); err != nil {
		slog.Warn("call.remoteOffer", slog.String("callID", c.CallID()), slog.Any("error", err))
		return
	}

	switch {
	case offer.OnHold() && !prev.OnHold():
		c.emit(engine.CallEvent{Type: engine.CallHold, Originator: engine.OriginatorRemote})
	case !offer.OnHold() && prev.OnHold():
		c.emit(engine.CallEvent{Type: engine.CallUnhold, Originator: engine.OriginatorRemote})
	}
}

// scheduleRefresh периодически обновляет сессию повторным предложением.
func (c *call) scheduleRefresh() {
	method := sip.INVITE
	if c.ua.cfg.SessionTimersRefreshMethod == "update" {
		method = sip.UPDATE
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = time.AfterFunc(sessionExpires/2, func() {
		if c.state() != callConfirmed {
			return
		}
		c.mu.Lock()
		direction := DirectionSendRecv
		if c.onHold {
			direction = DirectionSendOnly
		}
		c.mu.Unlock()

		res, err := c.sendOffer(method, direction)
		if err != nil {
			slog.Warn("call.refresh", slog.String("callID", c.CallID()), slog.Any("error", err))
		} else if res.StatusCode == statusTransactionNotExists || res.StatusCode == statusRequestTimeout {
			c.end(engine.OriginatorSystem, "session expired")
			c.ua.spawn(c.sendBye)
			return
		}
		c.scheduleRefresh()
	})
}
