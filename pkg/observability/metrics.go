// Package observability provides Prometheus metrics for the request,
// event stream and WebSocket paths, plus a service exposing them.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts exchanges by verb and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitehost_requests_total",
			Help: "Total requests",
		},
		[]string{"verb", "status"},
	)

	// RequestDuration records exchange duration in seconds by verb. For
	// streams and channels it is the lifetime of the connection.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitehost_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// ActiveStreams tracks open event streams.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitehost_event_streams_active",
			Help: "Active event streams",
		},
	)

	// ActiveChannels tracks open WebSocket channels.
	ActiveChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitehost_websocket_channels_active",
			Help: "Active WebSocket channels",
		},
	)

	// FramesSentTotal counts event stream frames by kind (data, event,
	// keepalive, close).
	FramesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitehost_event_frames_sent_total",
			Help: "Event stream frames sent",
		},
		[]string{"kind"},
	)

	// AbuseRejectedTotal counts stream subscriptions refused by the
	// per-sender guard.
	AbuseRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitehost_abuse_rejected_total",
			Help: "Subscriptions rejected by the sender guard",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the tier limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitehost_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)

	// AuthFailuresTotal counts rejected credentials by site.
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitehost_auth_failures_total",
			Help: "Authentication failures",
		},
		[]string{"site"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveStreams,
		ActiveChannels,
		FramesSentTotal,
		AbuseRejectedTotal,
		RateLimitRejectedTotal,
		AuthFailuresTotal,
	)
}
