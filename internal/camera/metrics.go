package camera

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesGrabbed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_grabbed_total",
		Namespace: "grabfleet",
		Help:      "number of frames materialized per camera",
	}, []string{"camera"})
	grabsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "grabs_discarded_total",
		Namespace: "grabfleet",
		Help:      "number of in-flight grabs discarded by an acquisition stop",
	}, []string{"camera"})
	grabErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "grab_errors_total",
		Namespace: "grabfleet",
		Help:      "number of failed fleet grab rounds",
	}, []string{"code"})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_dropped_total",
		Namespace: "grabfleet",
		Help:      "number of frames dropped because a subscriber was not ready",
	}, []string{"subscriber"})
	registryRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "registry_repairs_total",
		Namespace: "grabfleet",
		Help:      "number of duplicate registry entries removed",
	})
)
