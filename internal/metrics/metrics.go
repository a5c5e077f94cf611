package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Recognitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvoice_recognitions_total",
			Help: "Total number of recognition results by engine and outcome",
		},
		[]string{"engine", "outcome"},
	)

	RecognitionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortexvoice_recognition_latency_seconds",
			Help:    "Recognition latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"engine"},
	)

	EngineSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvoice_engine_switches_total",
			Help: "Total number of engine failovers by reason",
		},
		[]string{"reason"},
	)

	EngineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvoice_engine_errors_total",
			Help: "Total number of engine errors by engine and severity",
		},
		[]string{"engine", "severity"},
	)

	CommandMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvoice_command_matches_total",
			Help: "Total number of command match attempts by tier",
		},
		[]string{"tier"},
	)

	GatedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvoice_audio_frames_total",
			Help: "Audio frames processed by the front end, by disposition",
		},
		[]string{"disposition"},
	)

	LearnedCommands = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexvoice_learned_commands",
			Help: "Number of learned command mappings in the cache",
		},
	)

	ActiveEngine = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortexvoice_active_engine",
			Help: "1 for the currently active engine, 0 otherwise",
		},
		[]string{"engine"},
	)
)
