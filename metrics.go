package afterdark

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's client-side collectors.
type Metrics struct {
	RoomJoins      *prometheus.CounterVec
	MessagesSent   *prometheus.CounterVec
	MessageAcks    *prometheus.CounterVec
	ProfileLookups *prometheus.CounterVec
	Reconnects     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and embedders without a
// metrics endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomJoins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afterdark_room_joins_total",
				Help: "Realtime room joins by path (primary, fallback, conversation).",
			},
			[]string{"path"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afterdark_messages_sent_total",
				Help: "Messages sent by outcome.",
			},
			[]string{"outcome"},
		),
		MessageAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afterdark_message_acks_total",
				Help: "Message acknowledgments received by status.",
			},
			[]string{"status"},
		),
		ProfileLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afterdark_profile_lookups_total",
				Help: "Profile resolutions by result (cache, remote, missing, error).",
			},
			[]string{"result"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "afterdark_realtime_reconnects_total",
				Help: "Realtime reconnect attempts.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RoomJoins, m.MessagesSent, m.MessageAcks, m.ProfileLookups, m.Reconnects)
	}
	return m
}
