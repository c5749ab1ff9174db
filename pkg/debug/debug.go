// Package debug serves the worker's bootstrap-only HTTP listener: metrics,
// health, readiness, pprof and any operator handlers registered by other packages.
package debug

import (
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ready atomic.Bool

	customHandlersMu sync.RWMutex
	customHandlers   = make(map[string]http.Handler)

	readyChecksMu sync.RWMutex
	readyChecks   = make(map[string]func() error)

	globalRegistry = prometheus.NewRegistry()
)

func init() {
	globalRegistry.MustRegister(collectors.NewBuildInfoCollector())
}

func SetReady() {
	ready.Store(true)
}

func SetNotReady() {
	ready.Store(false)
}

// AddReadyCheck registers a named readiness probe. IsReady reports false
// while any probe returns an error.
func AddReadyCheck(name string, check func() error) {
	readyChecksMu.Lock()
	defer readyChecksMu.Unlock()
	readyChecks[name] = check
}

// FailingChecks returns the sorted names of readiness probes currently failing.
func FailingChecks() []string {
	readyChecksMu.RLock()
	defer readyChecksMu.RUnlock()

	var failing []string
	for name, check := range readyChecks {
		if err := check(); err != nil {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

func IsReady() bool {
	return ready.Load() && len(FailingChecks()) == 0
}

// RegisterHandler registers a custom handler on the debug mux.
// Must be called before GetMux() to be included.
func RegisterHandler(pattern string, handler http.Handler) {
	customHandlersMu.Lock()
	defer customHandlersMu.Unlock()
	customHandlers[pattern] = handler
}

// Registry returns the Prometheus registry for registering custom metrics.
// Metrics registered here will be exported on /metrics alongside default metrics.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// Gatherer exposes the custom registry, mostly for tests.
func Gatherer() prometheus.Gatherer {
	return globalRegistry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		globalRegistry,
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	mux.Handle("/debug/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/trace", http.HandlerFunc(pprof.Trace))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		if failing := FailingChecks(); len(failing) > 0 {
			http.Error(w, "failing: "+strings.Join(failing, ","), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	customHandlersMu.RLock()
	defer customHandlersMu.RUnlock()
	for pattern, handler := range customHandlers {
		mux.Handle(pattern, handler)
	}

	return mux
}
