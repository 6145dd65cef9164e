package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersAccepted counts orders that passed intake and entered the book.
var OrdersAccepted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sigswap_orders_accepted_total",
		Help: "Total number of orders accepted into the order book",
	},
)

// OrdersRejected counts rejections by reason (bad_signature, expired, ...).
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sigswap_orders_rejected_total",
		Help: "Total number of orders rejected or dropped, by reason",
	},
	[]string{"reason"},
)

// OrdersCancelled counts orders removed by the user.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sigswap_orders_cancelled_total",
		Help: "Total number of orders removed by cancellation",
	},
)

// OrdersDeferred counts resting orders held back by a ledger outage.
var OrdersDeferred = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sigswap_orders_deferred_total",
		Help: "Total number of resting orders whose settlement was deferred by a ledger outage",
	},
)

// Order book and matching loop
var (
	BookSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigswap_orderbook_orders",
			Help: "Number of resting orders in the book",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigswap_engine_queue_depth",
			Help: "Number of commands waiting for the matching loop",
		},
	)

	ScanLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sigswap_scan_latency_seconds",
			Help:    "Latency in seconds of one pairwise scan of the book",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	MatchesFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigswap_matches_found_total",
			Help: "Total number of match candidates handed to settlement",
		},
	)
)

// Settlement
var (
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigswap_settlements_total",
			Help: "Settlement attempts by final state",
		},
		[]string{"state"},
	)

	SettlementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sigswap_settlement_latency_seconds",
			Help:    "Latency in seconds from match to final settlement state",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// EventPublishErrors counts events a sink failed to deliver.
var EventPublishErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sigswap_event_publish_errors_total",
		Help: "Events that could not be delivered, by sink",
	},
	[]string{"sink"},
)

func init() {
	prometheus.MustRegister(OrdersAccepted, OrdersRejected, OrdersCancelled, OrdersDeferred)
	prometheus.MustRegister(BookSize, QueueDepth, ScanLatency, MatchesFound)
	prometheus.MustRegister(Settlements, SettlementLatency, EventPublishErrors)
}
