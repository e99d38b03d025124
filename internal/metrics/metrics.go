package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "spawns_total",
		Help:      "Total number of spawn attempts by result.",
	}, []string{"result"})

	exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "exits_total",
		Help:      "Total number of reaped subprocesses by final state.",
	}, []string{"state"})

	running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "subproc",
		Name:      "running",
		Help:      "Number of subprocesses currently running.",
	})

	runtimeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subproc",
		Name:      "runtime_seconds",
		Help:      "Wall clock time between spawn and reap in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	streamBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "stream_bytes_total",
		Help:      "Bytes moved through subprocess streams.",
	}, []string{"stream", "direction"})

	exitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "exit_timeouts_total",
		Help:      "Number of subprocesses terminated after exceeding their exit timeout.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "subproc",
		Name:      "build_info",
		Help:      "Build metadata for the running subproc binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawns, exits, running, runtimeSeconds, streamBytes, exitTimeouts, buildInfo)
}

// Registry returns the Prometheus registry containing all subproc metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveSpawn records a spawn attempt. A successful spawn also increments
// the running gauge until ObserveExit is called.
func ObserveSpawn(err error) {
	if err != nil {
		spawns.WithLabelValues("error").Inc()
		return
	}
	spawns.WithLabelValues("ok").Inc()
	running.Inc()
}

// ObserveExit records a reaped subprocess and its lifetime.
func ObserveExit(state string, lifetime time.Duration) {
	label := state
	if label == "" {
		label = "unknown"
	}
	exits.WithLabelValues(label).Inc()
	running.Dec()
	if lifetime > 0 {
		runtimeSeconds.Observe(lifetime.Seconds())
	}
}

// ObserveDetach drops a subprocess that was destroyed before it was reaped.
func ObserveDetach() {
	running.Dec()
}

// AddStreamBytes counts bytes read from or written to a stream. Named
// channels share the "channel" label to keep cardinality bounded.
func AddStreamBytes(stream, direction string, n int) {
	if n <= 0 {
		return
	}
	switch stream {
	case "stdin", "stdout", "stderr":
	default:
		stream = "channel"
	}
	streamBytes.WithLabelValues(stream, direction).Add(float64(n))
}

// IncExitTimeout counts a subprocess killed for exceeding its exit timeout.
func IncExitTimeout() {
	exitTimeouts.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
