package state

import "time"

// Timer отменяемый отложенный вызов.
type Timer interface {
	Stop() bool
}

// Timers источник отложенных вызовов. Обработчик вызывается в произвольной
// горутине, поэтому изменения состояния из него нужно передавать в Executor.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// SystemTimers реализация на time.AfterFunc.
type SystemTimers struct{}

func (SystemTimers) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
