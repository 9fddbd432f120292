package agent

import (
	"sync"

	"github.com/arzzra/softphone/pkg/engine"
)

// pendingCall копит события вызова до первой подписки.
//
// Движок сообщает о вызове из своей горутины, а сессия подписывается на него
// только в исполнителе. Все, что вызов успел сообщить между этими моментами
// (включая завершение), доставляется первому подписчику в исходном порядке.
type pendingCall struct {
	engine.Call

	mu        sync.Mutex
	pending   []engine.CallEvent
	handler   func(engine.CallEvent)
	replaying bool
	detached  bool
	cancel    func()
}

func newPendingCall(call engine.Call) *pendingCall {
	p := &pendingCall{Call: call}
	p.cancel = call.OnEvent(p.deliver)
	return p
}

func (p *pendingCall) deliver(ev engine.CallEvent) {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	if p.handler == nil || p.replaying {
		p.pending = append(p.pending, ev)
		p.mu.Unlock()
		return
	}
	fn := p.handler
	p.mu.Unlock()
	fn(ev)
}

// OnEvent первый подписчик получает накопленные события. Следующие
// подписываются на вызов движка напрямую.
func (p *pendingCall) OnEvent(fn func(engine.CallEvent)) (cancel func()) {
	p.mu.Lock()
	if p.handler != nil || p.detached {
		p.mu.Unlock()
		return p.Call.OnEvent(fn)
	}
	p.handler = fn
	p.replaying = true
	for len(p.pending) > 0 {
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()
		for _, ev := range batch {
			fn(ev)
		}
		p.mu.Lock()
	}
	p.replaying = false
	p.mu.Unlock()

	return p.detach
}

func (p *pendingCall) detach() {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	p.detached = true
	p.handler = nil
	p.pending = nil
	cancel := p.cancel
	p.mu.Unlock()
	cancel()
}
