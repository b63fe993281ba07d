// Package metrics centralizes the Prometheus collectors shared by the
// wallet, lock, betting, and health components, mirroring the single
// module of metric definitions pokerapp/metrics.py keeps for the same
// reason: one source of truth for metric names and label sets.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WalletReserveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_wallet_reserve_total",
		Help: "Total number of wallet reservations initiated",
	}, []string{"status"})

	WalletCommitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_wallet_commit_total",
		Help: "Total number of wallet reservation commits",
	}, []string{"status"})

	WalletRollbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_wallet_rollback_total",
		Help: "Total number of wallet reservation rollbacks",
	}, []string{"status"})

	WalletDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poker_wallet_dlq_total",
		Help: "Total number of failed refunds routed to the wallet DLQ",
	})

	WalletOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "poker_wallet_operation_duration_seconds",
		Help: "Latency distribution for wallet operations",
	}, []string{"operation"})

	ActionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "poker_action_duration_seconds",
		Help: "Latency distribution for player betting actions",
	}, []string{"action"})

	LockRetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_lock_retry_attempts_total",
		Help: "Smart-retry attempts made against a lock type",
	}, []string{"lock_type", "attempt_number"})

	LockRetrySuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_lock_retry_success_total",
		Help: "Smart-retry sequences that eventually acquired the lock",
	}, []string{"lock_type"})

	LockAcquisitionSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_lock_acquisition_success_total",
		Help: "Lock acquisitions, broken out by the attempt number that succeeded",
	}, []string{"lock_type", "attempt_number"})

	LockQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poker_lock_queue_depth",
		Help:    "Number of operations waiting for a table lock",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10, 15},
	})

	LockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poker_lock_wait_duration_seconds",
		Help:    "Time spent waiting for lock acquisition",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 25, 30},
	})
)

// MustRegisterAll registers every collector above against reg. Kept as a
// single call so cmd/tablecored doesn't have to enumerate every variable.
func MustRegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		WalletReserveTotal,
		WalletCommitTotal,
		WalletRollbackTotal,
		WalletDLQTotal,
		WalletOperationDuration,
		ActionDuration,
		LockRetryAttempts,
		LockRetrySuccess,
		LockAcquisitionSuccess,
		LockQueueDepth,
		LockWaitDuration,
	)
}
