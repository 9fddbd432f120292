// Package statetest содержит детерминированные заменители таймеров для тестов.
package statetest

import (
	"sort"
	"sync"
	"time"

	"github.com/arzzra/softphone/pkg/state"
)

// ManualTimers виртуальные часы: таймеры срабатывают только внутри Advance,
// в горутине теста.
type ManualTimers struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	owner   *ManualTimers
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func NewManualTimers() *ManualTimers {
	return &ManualTimers{}
}

var _ state.Timers = (*ManualTimers)(nil)

func (m *ManualTimers) AfterFunc(d time.Duration, fn func()) state.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance сдвигает часы на d и вызывает все наступившие таймеры по порядку.
func (m *ManualTimers) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		next.fired = true
		m.mu.Unlock()

		next.fn()
	}
}

// Pending количество взведенных таймеров.
func (m *ManualTimers) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (m *ManualTimers) nextDue(target time.Duration) *manualTimer {
	var due []*manualTimer
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.at <= target {
			due = append(due, t)
		}
	}
	m.timers = live
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].seq < due[j].seq
		}
		return due[i].at < due[j].at
	})
	return due[0]
}
