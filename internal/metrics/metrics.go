package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector registered by the service
const Namespace = "impxy"

var (
	// IntakeDepthGauge tracks transfers submitted to the dispatcher but not yet added to the multiplexer
	IntakeDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "dispatcher_intake_depth",
		Help:      "Current number of submitted transfers waiting for the dispatcher loop",
	})

	// QueueDepthGauge tracks callers waiting for a concurrency slot plus the dispatcher intake
	// Updated on each inbound request
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "forwarder_queue_depth",
		Help:      "Current number of transfers waiting to be driven",
	})

	// ActiveTransfersGauge tracks transfers attached to the multiplexer
	ActiveTransfersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "dispatcher_active_transfers",
		Help:      "Current number of transfers driven by the dispatcher loop",
	})

	// DispatcherStartsCounter counts dispatcher loop starts, including restarts after a fatal exit
	DispatcherStartsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dispatcher_loop_starts_total",
		Help:      "Total number of dispatcher loop starts",
	})

	// DispatcherFatalCounter counts dispatcher loops that exited on a fatal engine error
	DispatcherFatalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dispatcher_fatal_errors_total",
		Help:      "Total number of dispatcher loops terminated by a fatal engine error",
	})

	// TransfersInFlightGauge tracks transfers between submission and finalization
	TransfersInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "transfers_in_flight",
		Help:      "Current number of transfers between submission and finalization",
	})

	// TransfersCounter counts finalized transfers by outcome
	TransfersCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "transfers_total",
		Help:      "Total number of finalized transfers by outcome",
	}, []string{"outcome"})

	// BytesReceivedCounter counts response body bytes delivered by the engine
	BytesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "response_bytes_total",
		Help:      "Total number of response body bytes received from upstream",
	})

	// BytesUploadedCounter counts request body bytes handed to the engine
	BytesUploadedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "request_bytes_total",
		Help:      "Total number of request body bytes uploaded to upstream",
	})

	// IdleHandlesGauge tracks handles parked in the pool
	IdleHandlesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "handle_pool_idle",
		Help:      "Current number of idle native handles in the pool",
	})

	// HandlesCreatedCounter counts native handles created by the pool
	HandlesCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "handle_pool_created_total",
		Help:      "Total number of native handles created",
	})

	// HandlesDestroyedCounter counts native handles destroyed by the pool
	HandlesDestroyedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "handle_pool_destroyed_total",
		Help:      "Total number of native handles destroyed",
	})

	// ProbesCounter counts capability probes by result (supported, unsupported, failed)
	ProbesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "profile_probes_total",
		Help:      "Total number of impersonation target capability probes by result",
	}, []string{"result"})
)
