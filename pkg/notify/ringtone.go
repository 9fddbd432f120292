// Package notify решает, какой рингтон играть, и направляет удаленный звук
// выбранной сессии на устройство вывода.
package notify

import (
	"log/slog"
	"time"

	"github.com/arzzra/softphone/pkg/metrics"
	"github.com/arzzra/softphone/pkg/state"
)

// TonePlayer проигрыватель сигнала вызова.
type TonePlayer interface {
	Play()
	Stop()
	SetVolume(volume float64)
}

// Sink устройство, на котором проигрывается клип.
type Sink interface {
	PlayClip(name string, volume float64) error
	StopClip(name string)
}

// ToneConfig параметры одного рингтона.
type ToneConfig struct {
	Name           string        `yaml:"name"`
	Path           string        `yaml:"path"`
	RepeatInterval time.Duration `yaml:"repeat"`
	Volume         float64       `yaml:"volume"`
}

// PrimaryTone громкий сигнал, когда ни одна сессия не выбрана.
func PrimaryTone() ToneConfig {
	return ToneConfig{
		Name:           "primary",
		Path:           "primary-incoming.mp3",
		RepeatInterval: 14 * time.Second,
		Volume:         1,
	}
}

// SecondaryTone тихий сигнал второго вызова.
func SecondaryTone() ToneConfig {
	return ToneConfig{
		Name:           "secondary",
		Path:           "secondary-incoming.mp3",
		RepeatInterval: 4 * time.Second,
		Volume:         0.5,
	}
}

// Ringtone повторяет клип на Sink, пока его не остановят.
// Методы вызываются внутри исполнителя exec.
type Ringtone struct {
	exec    state.Executor
	timers  state.Timers
	sink    Sink
	metrics *metrics.Metrics
	cfg     ToneConfig

	playing bool
	gen     uint64
	timer   state.Timer
}

var _ TonePlayer = (*Ringtone)(nil)

func NewRingtone(exec state.Executor, timers state.Timers, sink Sink, m *metrics.Metrics, cfg ToneConfig) *Ringtone {
	if timers == nil {
		timers = state.SystemTimers{}
	}
	return &Ringtone{
		exec:    exec,
		timers:  timers,
		sink:    sink,
		metrics: m,
		cfg:     cfg,
	}
}

// Playing сообщает, звучит ли сигнал.
func (r *Ringtone) Playing() bool {
	return r.playing
}

func (r *Ringtone) Volume() float64 {
	return r.cfg.Volume
}

// Play ничего не делает, если сигнал уже звучит.
func (r *Ringtone) Play() {
	if r.playing {
		return
	}
	r.playing = true
	r.gen++
	r.metrics.RingtonePlay(r.cfg.Name)

	slog.Debug("Ringtone.Play", slog.String("tone", r.cfg.Name), slog.Float64("volume", r.cfg.Volume))
	r.loop(r.gen)
}

func (r *Ringtone) loop(gen uint64) {
	if err := r.sink.PlayClip(r.cfg.Path, r.cfg.Volume); err != nil {
		slog.Error("Ringtone clip failed",
			slog.String("tone", r.cfg.Name),
			slog.String("path", r.cfg.Path),
			slog.String("error", err.Error()))
	}
	if r.cfg.RepeatInterval <= 0 {
		return
	}
	r.timer = r.timers.AfterFunc(r.cfg.RepeatInterval, func() {
		r.exec.Post(func() {
			if !r.playing || r.gen != gen {
				return
			}
			r.loop(gen)
		})
	})
}

func (r *Ringtone) Stop() {
	if !r.playing {
		return
	}
	r.playing = false
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.sink.StopClip(r.cfg.Path)
	slog.Debug("Ringtone.Stop", slog.String("tone", r.cfg.Name))
}

// SetVolume действует со следующего повтора.
func (r *Ringtone) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	r.cfg.Volume = volume
}

// LogSink пишет проигрывание клипов в журнал. Используется, когда
// звуковое устройство не настроено.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s LogSink) PlayClip(name string, volume float64) error {
	s.logger().Info("ringtone", slog.String("clip", name), slog.Float64("volume", volume))
	return nil
}

func (s LogSink) StopClip(name string) {
	s.logger().Info("ringtone stopped", slog.String("clip", name))
}
