package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "shadowtap_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shadowtap_sessions_total", Help: "Finished sessions by outcome"}, []string{"outcome"})
	DialFailuresTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shadowtap_dial_failures_total", Help: "Upstream dial failures by role"}, []string{"role"})
	UpstreamDroppedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shadowtap_upstream_dropped_total", Help: "Upstreams removed from the broadcast set after a write failure"}, []string{"role"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shadowtap_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	RejectedTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shadowtap_rejected_total", Help: "Client connections rejected before a session started"}, []string{"reason"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "shadowtap_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// Label values shared by the relay and its tests.
const (
	RolePrimary = "primary"
	RoleShadow  = "shadow"

	DirClientToUpstreams = "client_to_upstreams"
	DirPrimaryToClient   = "primary_to_client"
	DirShadowDiscarded   = "shadow_discarded"
)
