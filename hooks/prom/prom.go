// Package prom exports optisync hook events as Prometheus metrics.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/optisync"
)

// Hooks counts events. Storage keys are never used as label values; entity
// types are.
type Hooks struct {
	selfHeals     *prometheus.CounterVec
	setRejected   prometheus.Counter
	versionErrors prometheus.Counter
	staleWrites   *prometheus.CounterVec
	refetchFailed *prometheus.CounterVec
	busy          *prometheus.CounterVec
	legFailures   *prometheus.CounterVec
	compFailures  *prometheus.CounterVec
	settled       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

var _ optisync.Hooks = (*Hooks)(nil)

// New registers the collectors with reg under the given namespace.
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	h := &Hooks{
		selfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "self_heals_total",
			Help: "Stored frames deleted on read, by reason.",
		}, []string{"reason"}),
		setRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_set_rejected_total",
			Help: "Writes refused by the byte provider.",
		}),
		versionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "version_errors_total",
			Help: "Version store read or bump failures.",
		}),
		staleWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_writes_discarded_total",
			Help: "Fetch results dropped because a newer write landed first.",
		}, []string{"entity"}),
		refetchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refetch_failures_total",
			Help: "Background refetches that failed.",
		}, []string{"entity"}),
		busy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operations_busy_total",
			Help: "Operations refused because a key was locked.",
		}, []string{"op"}),
		legFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leg_failures_total",
			Help: "Failed legs, by operation and leg.",
		}, []string{"op", "leg"}),
		compFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compensation_failures_total",
			Help: "Committed legs that could not be reverted.",
		}, []string{"op"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operations_settled_total",
			Help: "Settled operations, by last state before settle.",
		}, []string{"op", "final"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help:    "Wall time from start to settle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{
		h.selfHeals, h.setRejected, h.versionErrors, h.staleWrites, h.refetchFailed,
		h.busy, h.legFailures, h.compFailures, h.settled, h.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) SelfHeal(_ string, reason string) { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderSetRejected(string)       { h.setRejected.Inc() }
func (h *Hooks) VersionError(string, error)       { h.versionErrors.Inc() }

func (h *Hooks) StaleWriteDiscarded(k optisync.Key, _, _ uint64) {
	h.staleWrites.WithLabelValues(string(k.Type)).Inc()
}

func (h *Hooks) RefetchFailed(k optisync.Key, _ error) {
	h.refetchFailed.WithLabelValues(string(k.Type)).Inc()
}

func (h *Hooks) OperationBusy(op string, _ []optisync.Key) { h.busy.WithLabelValues(op).Inc() }

func (h *Hooks) LegFailed(op string, leg int, _ optisync.Key, _ error) {
	h.legFailures.WithLabelValues(op, strconv.Itoa(leg)).Inc()
}

func (h *Hooks) CompensationFailed(op string, _ optisync.Key, _ error) {
	h.compFailures.WithLabelValues(op).Inc()
}

func (h *Hooks) Settled(op string, final optisync.State, elapsed time.Duration) {
	h.settled.WithLabelValues(op, final.String()).Inc()
	h.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}
