package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	ChallengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_challenges_issued_total",
		Help: "The total number of payment challenges issued",
	}, []string{"asset", "agent"})

	AccessChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_access_checks_total",
		Help: "Access checks by outcome",
	}, []string{"outcome"})

	// Settlements counts redemption attempts by result (settled, replayed, or the rejection reason)
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_settlements_total",
		Help: "Challenge redemptions by result",
	}, []string{"result"})

	ChallengesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_challenges_expired_total",
		Help: "Challenges moved to expired, at redemption or by the sweeper",
	})

	SideEffectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_side_effect_errors_total",
		Help: "Best-effort post-settlement writes that failed",
	}, []string{"kind"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_jobs_processed_total",
		Help: "Relayer jobs by outcome",
	}, []string{"job_type", "result"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_retry_count_total",
		Help: "The total number of rescheduled jobs by chain error class",
	}, []string{"error_type"})

	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_claims_lost_total",
		Help: "Claims lost to another worker",
	})

	ChargeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_charge_seconds",
		Help:    "Time taken to submit a charge transaction",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // Start at 50ms with 10 buckets doubling in size
	})

	NextRetryIn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_next_retry_seconds",
		Help: "Backoff applied to the most recently rescheduled job",
	})

	DueJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_due_jobs",
		Help: "Jobs returned by the last poll",
	})

	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_circuit_open",
		Help: "1 while the chain circuit breaker is open",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_notifications_total",
		Help: "Notification deliveries by type and final status",
	}, []string{"type", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
)
