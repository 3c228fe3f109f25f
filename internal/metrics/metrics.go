package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecore_active_sessions",
			Help: "Number of active voice sessions",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicecore_sessions_expired_total",
			Help: "Sessions torn down by the inactivity sweep",
		},
	)

	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_turns_total",
			Help: "Voice inputs processed, by resulting state",
		},
		[]string{"state"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_state_transitions_total",
			Help: "Applied conversation state transitions",
		},
		[]string{"from", "to"},
	)

	Interruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_interruptions_total",
			Help: "Detected interruptions, by kind",
		},
		[]string{"kind"},
	)

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_commands_total",
			Help: "Recognized voice commands",
		},
		[]string{"command"},
	)

	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_recovery_total",
			Help: "Recovery invocations, by error kind",
		},
		[]string{"kind"},
	)

	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_recovery_outcomes_total",
			Help: "Recovery results, by strategy and success",
		},
		[]string{"strategy", "success"},
	)

	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "voicecore_recovery_duration_seconds",
			Help: "Time spent in recovery",
		},
	)
)
