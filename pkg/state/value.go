package state

import "sync"

// subscriber хранит обработчик и флаг отмены.
// Отмененный подписчик пропускается даже внутри уже начатой рассылки.
type subscriber[T any] struct {
	fn     func(T)
	active bool
}

type subscribers[T any] struct {
	list []*subscriber[T]
}

func (s *subscribers[T]) add(fn func(T)) *subscriber[T] {
	sub := &subscriber[T]{fn: fn, active: true}
	s.list = append(s.list, sub)
	return sub
}

func (s *subscribers[T]) remove(sub *subscriber[T]) {
	sub.active = false
	for i, it := range s.list {
		if it == sub {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *subscribers[T]) snapshot() []*subscriber[T] {
	out := make([]*subscriber[T], len(s.list))
	copy(out, s.list)
	return out
}

// Value наблюдаемая ячейка с текущим значением.
// Subscribe сразу передает подписчику текущее значение, Watch только последующие.
type Value[T any] struct {
	mu     sync.Mutex
	v      T
	subs   subscribers[T]
	closed bool
	equal  func(a, b T) bool
}

// NewValue создает ячейку без подавления повторов: каждый Set рассылается.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

// NewComparable создает ячейку, которая не рассылает значение, равное текущему.
func NewComparable[T comparable](initial T) *Value[T] {
	return &Value[T]{
		v:     initial,
		equal: func(a, b T) bool { return a == b },
	}
}

// Get возвращает текущее значение.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set записывает значение и уведомляет подписчиков.
// После Close вызов игнорируется.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.equal != nil && v.equal(v.v, x) {
		v.mu.Unlock()
		return
	}
	v.v = x
	list := v.subs.snapshot()
	v.mu.Unlock()

	notify(&v.mu, list, x)
}

// Subscribe подписывает fn и сразу вызывает его с текущим значением.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	cancel = v.Watch(fn)
	v.mu.Lock()
	closed := v.closed
	cur := v.v
	v.mu.Unlock()
	if !closed {
		fn(cur)
	}
	return cancel
}

// Watch подписывает fn только на последующие изменения.
func (v *Value[T]) Watch(fn func(T)) (cancel func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return func() {}
	}
	sub := v.subs.add(fn)
	return func() {
		v.mu.Lock()
		v.subs.remove(sub)
		v.mu.Unlock()
	}
}

// Close завершает ячейку: подписчики отбрасываются, значение замораживается.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for _, sub := range v.subs.list {
		sub.active = false
	}
	v.subs.list = nil
}

// Closed сообщает, завершена ли ячейка.
func (v *Value[T]) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func notify[T any](mu *sync.Mutex, list []*subscriber[T], x T) {
	for _, sub := range list {
		mu.Lock()
		active := sub.active
		mu.Unlock()
		if active {
			sub.fn(x)
		}
	}
}
