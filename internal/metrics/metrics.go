// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_sessions_total", Help: "Hole punch rounds by port type and outcome"}, []string{"port", "outcome"})
	StateTransitionsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_state_transitions_total", Help: "Session state flags set"}, []string{"state"})
	NotificationsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_notifications_total", Help: "Push notifications received by type"}, []string{"type"})
	ChannelPingsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_channel_pings_total", Help: "Pings sent on the push channel"})
	ChannelLostTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_channel_lost_total", Help: "Push channels declared lost"})
	ProbePacketsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_probe_packets_total", Help: "Probe packets by direction and type"}, []string{"direction", "type"})
	ProbeRoundsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_probe_rounds_total", Help: "Probe request resend rounds"})
	DerivedCandidatesTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_derived_candidates_total", Help: "Candidates learned from probe source addresses"})
	GatheredCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_gathered_candidates_total", Help: "Local candidates gathered by type"}, []string{"type"})
	PunchDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rendezvous_punch_duration_seconds", Help: "Time to establish one hole punch round", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
)
