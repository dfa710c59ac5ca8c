package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PadsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_pads_created_total",
			Help: "no. of pads created",
		},
		[]string{"visibility"},
	)
	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_access_decisions_total",
			Help: "no. of access verifier decisions",
		},
		[]string{"outcome"},
	)
	BruteForceDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepad_brute_force_detected_total",
		Help: "no. of brute force classifications",
	})
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_alerts_total",
			Help: "no. of owner alerts by result",
		},
		[]string{"result"},
	)
	FileOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_file_operations_total",
			Help: "no. of attachment operations",
		},
		[]string{"operation"},
	)
	RetentionPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_retention_purged_total",
			Help: "no. of items removed by the retention engine",
		},
		[]string{"kind"},
	)
	RetentionDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepad_retention_deferred_total",
		Help: "no. of expired files kept for the next tick after a blob failure",
	})
	RetentionTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepad_retention_ticks_total",
		Help: "no. of retention ticks",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepad_cache_hits_total",
		Help: "no. of pad header cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepad_cache_misses_total",
		Help: "no. of pad header cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securepad_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"class"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	ErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securepad_recent_error_rate_percent",
		Help: "5min rolling server error rate percentage",
	})
	DenialRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securepad_recent_denial_rate_percent",
		Help: "5min rolling share of requests refused for a wrong password",
	})
	AdaptiveTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_adaptive_rate_limit_triggers_total",
			Help: "no. of times rate limits were tightened, by reason",
		},
		[]string{"reason"},
	)
	SummaryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepad_summary_requests_total",
			Help: "no. of summaries by source",
		},
		[]string{"source"},
	)
)
