package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_lines_read_total",
		Help: "Total number of complete lines read from the active log file.",
	})

	LinesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_lines_duplicate_total",
		Help: "Total number of lines dropped by the ingest gate because their content was already seen.",
	})

	KillsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_kills_parsed_total",
		Help: "Total number of kill candidates extracted, labelled by grammar.",
	}, []string{"kind"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_decisions_total",
		Help: "Total number of audited kill decisions, labelled by status.",
	}, []string{"status"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_deliveries_total",
		Help: "Total number of delivery attempts, labelled by result.",
	}, []string{"result"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "killfeed_delivery_duration_ms",
		Help:    "Webhook round-trip latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "killfeed_delivery_queue_depth",
		Help: "Current number of envelopes waiting for the delivery worker.",
	})

	OpenWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "killfeed_open_windows",
		Help: "Current number of open buffer windows.",
	})

	PendingResolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "killfeed_pending_resolutions",
		Help: "Current number of targets waiting on an operator decision.",
	})

	ActiveFileSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_active_file_switches_total",
		Help: "Total number of times the tailer switched to a different log file.",
	})
)
