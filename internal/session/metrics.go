package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelProtocol  = "protocol"
	labelStatusTo  = "status_to"
	labelStatusOld = "status_from"
	labelKind      = "kind"

	kindDevice    = "device"
	kindPosition  = "position"
	kindEvent     = "event"
	kindKeepalive = "keepalive"
)

var (
	metricSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackd_session_active",
			Help: "Current number of live device sessions",
		},
		[]string{labelProtocol},
	)

	metricStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_session_status_transitions_total",
			Help: "Count of device status transitions",
		},
		[]string{labelStatusOld, labelStatusTo},
	)

	metricTimeoutsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_session_decay_timeouts_total",
			Help: "Count of online-decay timeouts that fired",
		},
	)

	metricListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackd_session_listeners",
			Help: "Current number of registered update listeners",
		},
	)

	metricFanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_session_fanout_deliveries_total",
			Help: "Count of listener callback deliveries by update kind",
		},
		[]string{labelKind},
	)
)
