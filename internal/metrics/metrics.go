package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agri"

var (
	// LedgerEntries counts appended ledger entries by type
	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries appended, by entry type",
		},
		[]string{"type"},
	)

	// ReserveRejections counts reservations refused by the funding gate
	ReserveRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reserve_rejections_total",
			Help:      "Escrow reservations refused for insufficient funds",
		},
	)

	// DuplicateReleases counts release calls answered from an existing entry
	DuplicateReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "duplicate_releases_total",
			Help:      "Milestone releases that resolved to an existing ledger entry",
		},
	)

	// NegotiationMessages counts committed negotiation messages by kind
	NegotiationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "messages_total",
			Help:      "Negotiation messages committed, by kind",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks negotiation sessions with at least one subscriber
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "active_sessions",
			Help:      "Negotiation sessions with connected participants",
		},
	)

	// ContractTransitions counts contract status changes
	ContractTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "transitions_total",
			Help:      "Contract status transitions, by target status",
		},
		[]string{"status"},
	)

	// AuditFindings counts invariant violations reported by reconciliation
	AuditFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "findings_total",
			Help:      "Settlement invariant violations found, by rule",
		},
		[]string{"rule"},
	)

	requestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)
)

// Middleware records request counts and latencies per route template
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestCounter.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry for scraping
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
