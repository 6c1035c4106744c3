package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook_mesh"

var (
	promSessionTotal   prometheus.Gauge
	promRemoteStreams  prometheus.Gauge
	promLocalSource    *prometheus.GaugeVec
	promTargetBitrate  *prometheus.GaugeVec
	NegotiationCounter *prometheus.CounterVec
	SignalingCounter   *prometheus.CounterVec
	TransportCounter   *prometheus.CounterVec
	RTCPCounter        *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "peer",
		Name:      "sessions",
	})

	promRemoteStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "sink",
		Name:      "remote_streams",
	})

	promLocalSource = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: livelookNamespace,
			Subsystem: "media",
			Name:      "local_source",
		},
		[]string{"kind"},
	)

	promTargetBitrate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: livelookNamespace,
			Subsystem: "rtc",
			Name:      "target_bitrate",
		},
		[]string{"peer"},
	)

	NegotiationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "peer",
			Name:      "negotiation_operation",
		},
		[]string{"op", "status"},
	)

	SignalingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "signal",
			Name:      "messages",
		},
		[]string{"direction", "type"},
	)

	TransportCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "rtc",
			Name:      "connection_state",
		},
		[]string{"state"},
	)

	RTCPCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "rtc",
			Name:      "rtcp_feedback",
		},
		[]string{"type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promRemoteStreams)
	prometheus.MustRegister(promLocalSource)
	prometheus.MustRegister(promTargetBitrate)
	prometheus.MustRegister(NegotiationCounter)
	prometheus.MustRegister(SignalingCounter)
	prometheus.MustRegister(TransportCounter)
	prometheus.MustRegister(RTCPCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func RemoteStreamAdded() {
	promRemoteStreams.Inc()
}

func RemoteStreamRemoved() {
	promRemoteStreams.Dec()
}

// LocalSourceChanged marks kind as the only active source. An empty kind
// clears all of them.
func LocalSourceChanged(kind string) {
	promLocalSource.Reset()
	if kind != "" {
		promLocalSource.WithLabelValues(kind).Set(1)
	}
}

func TargetBitrateChanged(peer string, bitrate int) {
	promTargetBitrate.WithLabelValues(peer).Set(float64(bitrate))
}

func TargetBitrateCleared(peer string) {
	promTargetBitrate.DeleteLabelValues(peer)
}
