package state

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed возвращается Do после остановки исполнителя.
var ErrClosed = errors.New("executor closed")

// Executor последовательно выполняет задачи, по одной, в порядке поступления.
type Executor interface {
	// Post ставит задачу в очередь и не ждет ее выполнения.
	Post(fn func())
	// Do ставит задачу в очередь и ждет ее завершения.
	// Нельзя вызывать изнутри задачи того же исполнителя.
	Do(ctx context.Context, fn func()) error
}

// Inline выполняет задачи в горутине вызывающего (trampoline).
// Если очередь уже обрабатывается, задача добавляется в конец и выполнится
// до возврата из внешнего Post. Подходит для тестов и встраивания.
type Inline struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewInline() *Inline {
	return &Inline{}
}

func (e *Inline) Post(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		run(next)
		e.mu.Lock()
	}
	e.running = false
	e.mu.Unlock()
}

// Do для Inline выполняет fn синхронно, если очередь свободна.
func (e *Inline) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Post(fn)
	return nil
}

// Loop исполнитель на выделенной горутине с неограниченной очередью.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop запускает цикл обработки задач.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// задача могла успеть выполниться перед остановкой
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close останавливает прием задач. Уже поставленные задачи будут выполнены.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done закрывается после выхода из цикла.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			run(fn)
		}
	}
}

// run выполняет задачу, не давая панике обработчика остановить цикл.
func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state: task panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
