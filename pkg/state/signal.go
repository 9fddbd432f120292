package state

import "sync"

// Signal поток событий без текущего значения.
type Signal[T any] struct {
	mu     sync.Mutex
	subs   subscribers[T]
	closed bool
}

func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Emit рассылает событие текущим подписчикам.
func (s *Signal[T]) Emit(x T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	list := s.subs.snapshot()
	s.mu.Unlock()

	notify(&s.mu, list, x)
}

// Subscribe подписывает fn на события. Для закрытого потока возвращает пустую отмену.
func (s *Signal[T]) Subscribe(fn func(T)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	sub := s.subs.add(fn)
	return func() {
		s.mu.Lock()
		s.subs.remove(sub)
		s.mu.Unlock()
	}
}

// Once подписывает fn на первое событие, после чего подписка снимается.
func (s *Signal[T]) Once(fn func(T)) (cancel func()) {
	var (
		once  sync.Once
		unsub func()
	)
	unsub = s.Subscribe(func(x T) {
		once.Do(func() {
			unsub()
			fn(x)
		})
	})
	return unsub
}

func (s *Signal[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs.list {
		sub.active = false
	}
	s.subs.list = nil
}
