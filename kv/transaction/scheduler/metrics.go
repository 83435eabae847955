package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	schedTooBusyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tidekv",
		Subsystem: "scheduler",
		Name:      "too_busy_total",
		Help:      "Counter of commands rejected because the scheduler was too busy.",
	})
	commandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tidekv",
		Subsystem: "scheduler",
		Name:      "command_duration_seconds",
		Help:      "Bucketed histogram of command execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
	})
)

func init() {
	prometheus.MustRegister(schedTooBusyCounter)
	prometheus.MustRegister(commandDuration)
}
