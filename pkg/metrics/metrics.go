// Package metrics экспортирует метрики слоя оркестрации в Prometheus.
//
// Все методы безопасны для nil получателя: компоненты работают и без метрик.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "softphone"

// Результаты перехода агента
const (
	TransitionCommitted  = "committed"
	TransitionTimeout    = "timeout"
	TransitionSuperseded = "superseded"
)

// Metrics набор метрик софтфона.
type Metrics struct {
	agentStatus        *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	agentCreateErrors  prometheus.Counter
	sessionsActive     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	duplicatesRejected prometheus.Counter
	ringtonePlays      *prometheus.CounterVec
	audioPackets       prometheus.Counter

	statuses []string
}

// New регистрирует метрики в reg. Для reg == nil используется prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		agentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "status",
			Help:      "Current composite agent status (1 for the active status)",
		}, []string{"status"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "transitions_total",
			Help:      "Agent state transitions by result",
		}, []string{"result"}),
		agentCreateErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "create_errors_total",
			Help:      "Agent construction failures",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held by the registry",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Sessions accepted by the registry",
		}, []string{"direction"}),
		duplicatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "duplicate_rejected_total",
			Help:      "Calls rejected as duplicates of a live session",
		}),
		ringtonePlays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "ringtone_plays_total",
			Help:      "Ringtone starts by tone",
		}, []string{"tone"}),
		audioPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "audio_packets_total",
			Help:      "RTP packets routed to the audio output",
		}),
		statuses: []string{"offline", "online", "changing", "error"},
	}
}

// SetAgentStatus выставляет 1 для активного статуса и 0 для остальных.
func (m *Metrics) SetAgentStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range m.statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.agentStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Transition(result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(result).Inc()
}

func (m *Metrics) AgentCreateError() {
	if m == nil {
		return
	}
	m.agentCreateErrors.Inc()
}

func (m *Metrics) SessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionAccepted(direction string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) DuplicateRejected() {
	if m == nil {
		return
	}
	m.duplicatesRejected.Inc()
}

func (m *Metrics) RingtonePlay(tone string) {
	if m == nil {
		return
	}
	m.ringtonePlays.WithLabelValues(tone).Inc()
}

func (m *Metrics) AudioPacket() {
	if m == nil {
		return
	}
	m.audioPackets.Inc()
}
