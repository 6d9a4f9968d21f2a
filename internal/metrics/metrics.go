package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_containers_total",
		Help: "Number of containers in the monitored fleet.",
	})
	ContainersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_containers_running",
		Help: "Number of monitored containers currently running.",
	})
	ChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_checks_total",
		Help: "Total number of update check sweeps performed.",
	})
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchtower_check_duration_seconds",
		Help:    "Duration of update check sweeps.",
		Buckets: prometheus.DefBuckets,
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_updates_total",
		Help: "Total number of container updates by outcome.",
	}, []string{"outcome"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchtower_update_duration_seconds",
		Help:    "Duration of container update operations.",
		Buckets: prometheus.DefBuckets,
	})
	UpdatesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_updates_available",
		Help: "Number of containers with a detected pending update.",
	})
	PullRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_pull_retries_total",
		Help: "Total number of image pull retries.",
	})
	ImageCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_image_cleanups_total",
		Help: "Total number of superseded images removed after updates.",
	})
	RuntimeOutages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_runtime_outages_total",
		Help: "Total number of container daemon outages observed.",
	})
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_events_emitted_total",
		Help: "Total number of domain events emitted by kind.",
	}, []string{"kind"})
)
