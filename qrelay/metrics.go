package qrelay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "qrelay_active_sessions", Help: "Open client sessions"})
	liveBindings   = promauto.NewGauge(prometheus.GaugeOpts{Name: "qrelay_live_bindings", Help: "Relay bindings holding a real socket"})
	evictions      = promauto.NewCounter(prometheus.CounterOpts{Name: "qrelay_binding_evictions_total", Help: "Bindings closed by the idle sweep"})
	bindFailures   = promauto.NewCounter(prometheus.CounterOpts{Name: "qrelay_bind_failures_total", Help: "Failed attempts to bind a relay port"})
	datagrams      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qrelay_datagrams_total", Help: "Relayed datagrams by direction"}, []string{"direction"})
	directConns    = promauto.NewGauge(prometheus.GaugeOpts{Name: "qrelay_direct_connections", Help: "Outbound and adopted WebSocket connections"})
	replies        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qrelay_replies_total", Help: "SOCKS replies sent by code"}, []string{"code"})
)

func countReply(code byte) {
	replies.WithLabelValues(strconv.Itoa(int(code))).Inc()
}
