// Package sipua реализует движок софтфона на sipgo: регистрацию на сервере,
// входящие и исходящие вызовы, удержание повторным INVITE и RTP медиа.
package sipua

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/engine"
)

var (
	// ErrNotStarted агент не запущен
	ErrNotStarted = engine.ErrNotStarted
	// ErrClosed агент закрыт
	ErrClosed = errors.New("user agent closed")
)

const (
	probeTimeout      = 5 * time.Second
	keepaliveInterval = 30 * time.Second
	unregisterTimeout = 5 * time.Second
	relistenDelay     = time.Second
	minRefresh        = 5 * time.Second
)

// Factory создает агентов sipua.
type Factory struct{}

var _ engine.Factory = Factory{}

func (Factory) NewUserAgent(creds engine.Credentials, cfg engine.AgentConfig) (engine.UserAgent, error) {
	return New(creds, cfg)
}

// UA пользовательский агент поверх sipgo.
type UA struct {
	creds   engine.Credentials
	cfg     engine.AgentConfig
	server  sip.Uri
	aor     sip.Uri
	contact sip.Uri

	ua     *sipgo.UserAgent
	client *sipgo.Client
	srv    *sipgo.Server

	// ctx живет до полного закрытия агента
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	handler    func(engine.UAEvent)
	calls      map[string]*call
	runCancel  context.CancelFunc
	runDone    chan struct{}
	listening  bool
	registered bool
	closed     bool
	draining   bool
	regCallID  string
	regCSeq    uint32
}

var _ engine.UserAgent = (*UA)(nil)

// New создает агента. Сокеты занимаются при Start.
func New(creds engine.Credentials, cfg engine.AgentConfig) (*UA, error) {
	server, err := parseServer(creds.ServerURL)
	if err != nil {
		return nil, err
	}
	aor, err := parseIdentity(creds.Identity, server)
	if err != nil {
		return nil, err
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.MediaHost == "" {
		cfg.MediaHost = "127.0.0.1"
	}
	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "некорректный адрес прослушивания %q", cfg.ListenAddr)
	}
	port, _ := strconv.Atoi(portStr)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.MediaHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ошибка создания SIP агента")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.MediaHost))
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "ошибка создания SIP клиента")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		client.Close()
		ua.Close()
		return nil, errors.Wrap(err, "ошибка создания SIP сервера")
	}

	u := &UA{
		creds:  creds,
		cfg:    cfg,
		server: server,
		aor:    aor,
		contact: sip.Uri{
			Scheme: "sip",
			User:   aor.User,
			Host:   cfg.MediaHost,
			Port:   port,
		},
		ua:        ua,
		client:    client,
		srv:       srv,
		calls:     make(map[string]*call),
		regCallID: uuid.NewString(),
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	srv.OnInvite(u.onInvite)
	srv.OnAck(u.onAck)
	srv.OnBye(u.onBye)
	srv.OnCancel(u.onCancel)
	srv.OnOptions(u.onOptions)
	srv.OnRequest(sip.UPDATE, u.onUpdate)

	return u, nil
}

// parseServer приводит адрес сервера к SIP URI. Допускаются sip:host,
// host:port и адреса со схемой (ws://, wss://).
func parseServer(raw string) (sip.Uri, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sip.Uri{}, errors.New("адрес сервера пуст")
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return sip.Uri{}, errors.Wrapf(err, "некорректный адрес сервера %q", raw)
		}
		raw = parsed.Host
	}
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		raw = "sip:" + raw
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "некорректный адрес сервера %q", raw)
	}
	uri.User = ""
	return uri, nil
}

// parseIdentity строит AOR. Без домена используется хост сервера.
func parseIdentity(identity string, server sip.Uri) (sip.Uri, error) {
	identity = strings.TrimSpace(identity)
	switch {
	case strings.HasPrefix(identity, "sip:"), strings.HasPrefix(identity, "sips:"):
	case strings.Contains(identity, "@"):
		identity = "sip:" + identity
	default:
		return sip.Uri{Scheme: "sip", User: identity, Host: server.Host}, nil
	}
	var uri sip.Uri
	if err := sip.ParseUri(identity, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "некорректная идентичность %q", identity)
	}
	return uri, nil
}

// targetURI адрес вызываемого абонента.
func (u *UA) targetURI(target string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, errors.New("пустой адрес вызова")
	}
	switch {
	case strings.HasPrefix(target, "sip:"), strings.HasPrefix(target, "sips:"):
	case strings.Contains(target, "@"):
		target = "sip:" + target
	default:
		return sip.Uri{Scheme: "sip", User: target, Host: u.server.Host, Port: u.server.Port}, nil
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "некорректный адрес вызова %q", target)
	}
	return uri, nil
}

func (u *UA) serverAddr() string {
	port := u.server.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(u.server.Host, strconv.Itoa(port))
}

func (u *UA) username() string {
	if u.aor.User != "" {
		return u.aor.User
	}
	return u.creds.Identity
}

func (u *UA) OnEvent(fn func(engine.UAEvent)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = fn
}

func (u *UA) emit(ev engine.UAEvent) {
	u.mu.Lock()
	fn := u.handler
	u.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// spawn запускает фоновую операцию, которую Close дожидается.
func (u *UA) spawn(fn func()) {
	u.mu.Lock()
	if u.draining {
		u.mu.Unlock()
		go fn()
		return
	}
	u.wg.Add(1)
	u.mu.Unlock()
	go func() {
		defer u.wg.Done()
		fn()
	}()
}

func (u *UA) track(c *call) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.calls[c.CallID()]; ok {
		return false
	}
	u.calls[c.CallID()] = c
	return true
}

func (u *UA) untrack(c *call) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calls[c.CallID()] == c {
		delete(u.calls, c.CallID())
	}
}

func (u *UA) lookup(req *sip.Request) *call {
	id := req.CallID()
	if id == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[id.Value()]
}

// Start запускает прослушивание и цикл подключения.
func (u *UA) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.runCancel != nil {
		return nil
	}

	if !u.listening {
		u.listening = true
		go u.listen()
	}

	ctx, cancel := context.WithCancel(u.ctx)
	done := make(chan struct{})
	u.runCancel, u.runDone = cancel, done
	go func() {
		defer close(done)
		u.run(ctx)
	}()
	return nil
}

// listen повторяет попытку, пока порт занят предыдущим агентом.
func (u *UA) listen() {
	for {
		err := u.srv.ListenAndServe(u.ctx, u.cfg.Transport, u.cfg.ListenAddr)
		if u.ctx.Err() != nil {
			return
		}
		slog.Warn("UA.listen",
			slog.String("addr", u.cfg.ListenAddr),
			slog.Any("error", err))
		if !sleep(u.ctx, relistenDelay) {
			return
		}
	}
}

// Stop останавливает цикл и снимает регистрацию в фоне.
func (u *UA) Stop() error {
	u.mu.Lock()
	cancel, done := u.runCancel, u.runDone
	u.runCancel, u.runDone = nil, nil
	u.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	u.spawn(func() {
		<-done
		u.mu.Lock()
		registered := u.registered
		u.registered = false
		u.mu.Unlock()

		if registered {
			ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
			defer cancel()
			if _, err := u.register(ctx, 0); err != nil {
				slog.Warn("UA.Stop unregister", slog.Any("error", err))
			}
		}
		u.emit(engine.UAEvent{Type: engine.UAUnregistered})
		u.emit(engine.UAEvent{Type: engine.UADisconnected})
	})
	return nil
}

// Close завершает вызовы и освобождает сокеты после фоновых операций.
func (u *UA) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	calls := make([]*call, 0, len(u.calls))
	for _, c := range u.calls {
		calls = append(calls, c)
	}
	u.mu.Unlock()

	_ = u.Stop()
	for _, c := range calls {
		_ = c.Terminate(engine.StatusRequestTerminated)
	}

	go func() {
		u.mu.Lock()
		u.draining = true
		u.mu.Unlock()
		u.wg.Wait()
		u.cancel()
		u.srv.Close()
		u.client.Close()
		u.ua.Close()
		slog.Debug("UA.Close", slog.String("aor", u.aor.String()))
	}()
	return nil
}

// run цикл подключения: проверка доступности, регистрация, обновление.
func (u *UA) run(ctx context.Context) {
	connected := false
	for {
		if !connected {
			u.emit(engine.UAEvent{Type: engine.UAConnecting})
			if err := u.probe(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				u.emit(engine.UAEvent{Type: engine.UADisconnected, Cause: err.Error()})
				if !sleep(ctx, u.backoff()) {
					return
				}
				continue
			}
			connected = true
			u.emit(engine.UAEvent{Type: engine.UAConnected})
		}

		expires, err := u.register(ctx, u.cfg.RegisterExpires)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.setRegistered(false)
			u.emit(engine.UAEvent{Type: engine.UARegistrationFailed, Cause: err.Error()})
			if !sleep(ctx, u.backoff()) {
				return
			}
			continue
		}
		u.setRegistered(true)
		u.emit(engine.UAEvent{Type: engine.UARegistered})

		if err := u.keepalive(ctx, refreshAfter(expires)); err != nil {
			if ctx.Err() != nil {
				return
			}
			connected = false
			u.setRegistered(false)
			u.emit(engine.UAEvent{Type: engine.UADisconnected, Cause: err.Error()})
			if !sleep(ctx, u.backoff()) {
				return
			}
		}
	}
}

// refreshAfter обновление регистрации на 90% срока.
func refreshAfter(expires time.Duration) time.Duration {
	d := expires * 9 / 10
	if d < minRefresh {
		d = minRefresh
	}
	return d
}

// keepalive ждет срока обновления, периодически проверяя доступность сервера.
func (u *UA) keepalive(ctx context.Context, until time.Duration) error {
	deadline := time.NewTimer(until)
	defer deadline.Stop()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := u.probe(ctx); err != nil {
				return err
			}
		}
	}
}

func (u *UA) setRegistered(v bool) {
	u.mu.Lock()
	u.registered = v
	u.mu.Unlock()
}

// backoff интервал переподключения в заданных границах.
func (u *UA) backoff() time.Duration {
	lo, hi := u.cfg.ReconnectMinInterval, u.cfg.ReconnectMaxInterval
	if lo <= 0 {
		lo = time.Second
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// newRequest запрос вне диалога от имени AOR.
func (u *UA) newRequest(method sip.RequestMethod, recipient sip.Uri, to sip.Uri, callID string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.FromHeader{
		Address: u.aor,
		Params:  sip.NewParams().Add("tag", newTag()),
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.SetTransport(strings.ToUpper(u.cfg.Transport))
	req.SetDestination(u.serverAddr())
	return req
}

// probe проверяет доступность сервера запросом OPTIONS. Любой ответ
// означает, что сервер доступен.
func (u *UA) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req := u.newRequest(sip.OPTIONS, u.server, u.server, uuid.NewString(), 1)
	if _, err := u.client.Do(ctx, req); err != nil {
		return errors.Wrap(err, "сервер недоступен")
	}
	return nil
}

// register отправляет REGISTER. expires 0 снимает регистрацию.
// Возвращает срок, подтвержденный сервером.
func (u *UA) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	u.mu.Lock()
	u.regCSeq++
	seq := u.regCSeq
	u.mu.Unlock()

	req := u.newRequest(sip.REGISTER, u.server, u.aor, u.regCallID, seq)
	req.AppendHeader(&sip.ContactHeader{Address: u.contact})
	exp := sip.ExpiresHeader(int(expires / time.Second))
	req.AppendHeader(&exp)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return 0, errors.Wrap(err, "ошибка отправки REGISTER")
	}
	if needsAuth(res) {
		if err := authorize(req, res, u.username(), u.creds.Secret); err != nil {
			return 0, err
		}
		u.mu.Lock()
		u.regCSeq = req.CSeq().SeqNo
		u.mu.Unlock()

		res, err = u.client.Do(ctx, req)
		if err != nil {
			return 0, errors.Wrap(err, "ошибка отправки REGISTER")
		}
	}
	if !res.IsSuccess() {
		return 0, errors.Errorf("регистрация отклонена: %d %s", res.StatusCode, res.Reason)
	}

	granted := expires
	if h := res.GetHeader("Expires"); h != nil {
		if sec, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && sec > 0 {
			granted = time.Duration(sec) * time.Second
		}
	}
	slog.Debug("UA.register",
		slog.String("aor", u.aor.String()),
		slog.Duration("expires", granted))
	return granted, nil
}

// Call начинает исходящий вызов. Вызов сообщается событием UANewCall.
func (u *UA) Call(target string, opts engine.CallOptions) error {
	u.mu.Lock()
	running := u.runCancel != nil && !u.closed
	u.mu.Unlock()
	if !running {
		return ErrNotStarted
	}

	uri, err := u.targetURI(target)
	if err != nil {
		return err
	}
	pc, err := newPeerConnection(u.cfg.MediaHost, u.cfg.SecureMedia)
	if err != nil {
		return err
	}

	d := &dialogState{
		callID:   uuid.NewString(),
		local:    u.aor,
		localTag: newTag(),
		remote:   uri,
		target:   uri,
		contact:  u.contact,
	}
	c := newCall(u, engine.Outgoing, d, uri.User)
	c.pc = pc

	body, err := buildSDP(u.cfg.MediaHost, pc.Port(), c.sessionID, c.version, DirectionSendRecv)
	if err != nil {
		_ = pc.Close()
		return err
	}
	req := d.request(sip.INVITE)
	setBody(req, body)
	addExtraHeaders(req, opts.ExtraHeaders)
	req.SetTransport(strings.ToUpper(u.cfg.Transport))
	req.SetDestination(u.serverAddr())

	u.track(c)
	u.emit(engine.UAEvent{Type: engine.UANewCall, Call: c})
	go c.runInvite(req)
	return nil
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if hasToTag(req) {
		if c := u.lookup(req); c != nil {
			c.remoteOffer(req, tx)
			return
		}
		u.respond(req, tx, statusTransactionNotExists, "Call/Transaction Does Not Exist")
		return
	}

	offer, err := parseSDP(req.Body())
	if err != nil {
		slog.Warn("UA.onInvite", slog.Any("error", err))
		u.respond(req, tx, statusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	from, to := req.From(), req.To()
	if from == nil || to == nil || req.CallID() == nil {
		u.respond(req, tx, 400, "Bad Request")
		return
	}
	d := &dialogState{
		callID:    req.CallID().Value(),
		local:     to.Address,
		localTag:  newTag(),
		remote:    from.Address,
		remoteTag: fromTagOf(from),
		target:    from.Address,
		contact:   u.contact,
	}
	if contact := req.Contact(); contact != nil {
		d.target = contact.Address
	}
	d.setRoutes(req.GetHeaders("Record-Route"), false)

	c := newCall(u, engine.Incoming, d, from.Address.User)
	c.invite, c.inviteTx, c.offer = req, tx, offer
	if !u.track(c) {
		u.respond(req, tx, engine.StatusBusyHere, "Busy Here")
		return
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	c.tagResponse(ringing)
	if err := tx.Respond(ringing); err != nil {
		slog.Warn("UA.onInvite", slog.String("callID", d.callID), slog.Any("error", err))
	}

	u.emit(engine.UAEvent{Type: engine.UANewCall, Call: c})
	go u.watchEarly(c, tx)
}

// watchEarly завершает вызов, если транзакция закончилась до ответа.
func (u *UA) watchEarly(c *call, tx sip.ServerTransaction) {
	select {
	case <-c.finalSent:
	case <-tx.Done():
		if c.state() == callEarly {
			c.end(engine.OriginatorRemote, "Canceled")
		}
	case <-u.ctx.Done():
	}
}

func (u *UA) onAck(req *sip.Request, _ sip.ServerTransaction) {
	if c := u.lookup(req); c != nil && c.state() == callAnswering {
		c.confirm()
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	c := u.lookup(req)
	if c == nil {
		u.respond(req, tx, statusTransactionNotExists, "Call/Transaction Does Not Exist")
		return
	}
	u.respond(req, tx, 200, "OK")
	c.end(engine.OriginatorRemote, "Terminated")
}

func (u *UA) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	u.respond(req, tx, 200, "OK")
	if c := u.lookup(req); c != nil && c.direction == engine.Incoming && c.state() == callEarly {
		c.finish(engine.OriginatorRemote, "Canceled", engine.StatusRequestTerminated, "Request Terminated")
	}
}

func (u *UA) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	u.respond(req, tx, 200, "OK")
}

// onUpdate обновление сессии. UPDATE с SDP обрабатывается как предложение.
func (u *UA) onUpdate(req *sip.Request, tx sip.ServerTransaction) {
	c := u.lookup(req)
	if c == nil {
		u.respond(req, tx, statusTransactionNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if len(req.Body()) > 0 {
		c.remoteOffer(req, tx)
		return
	}
	u.respond(req, tx, 200, "OK")
}

func (u *UA) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		slog.Warn("UA.respond",
			slog.Int("status", code),
			slog.Any("error", err))
	}
}
