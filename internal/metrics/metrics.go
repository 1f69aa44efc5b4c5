package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_connect_attempts_total",
		Help: "Connection attempts by transport and outcome",
	}, []string{"transport", "outcome"})

	LinkStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_link_state_transitions_total",
		Help: "Link lifecycle transitions by resulting state",
	}, []string{"state"})

	LinkDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_link_drops_total",
		Help: "Unexpected link disconnects by transport",
	}, []string{"transport"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_uploads_total",
		Help: "Program and firmware transfers by kind and outcome",
	}, []string{"kind", "outcome"})

	UploadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_upload_bytes_total",
		Help: "Bytes written to the device during transfers",
	}, []string{"kind"})

	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neolink_upload_duration_seconds",
		Help:    "Duration of completed transfers",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	KeypressesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_keypresses_total",
		Help: "Keypress frames by outcome (sent, throttled, failed)",
	}, []string{"outcome"})

	TelemetryLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neolink_telemetry_lines_total",
		Help: "Inbound device lines by decode result",
	}, []string{"result"})
)

func RecordConnectAttempt(transport string, err error) {
	ConnectAttemptsTotal.WithLabelValues(label(transport), outcome(err)).Inc()
}

func RecordStateTransition(state string) {
	LinkStateTransitionsTotal.WithLabelValues(label(state)).Inc()
}

func RecordLinkDrop(transport string) {
	LinkDropsTotal.WithLabelValues(label(transport)).Inc()
}

// RecordUpload records one finished transfer. kind is "program", "firmware" or "files".
func RecordUpload(kind string, bytes int, seconds float64, err error) {
	kind = label(kind)
	UploadsTotal.WithLabelValues(kind, outcome(err)).Inc()
	if bytes > 0 {
		UploadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
	if err == nil {
		UploadDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func RecordKeypress(result string) {
	KeypressesTotal.WithLabelValues(label(result)).Inc()
}

func RecordTelemetryLine(result string) {
	TelemetryLinesTotal.WithLabelValues(label(result)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}

	return v
}
