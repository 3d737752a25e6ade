package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	referralMetricsOnce sync.Once
	referralRegistry    *ReferralMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// ReferralMetrics wraps collectors tracking the referral funnel and reward
// settlement.
type ReferralMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	rewards    *prometheus.CounterVec
	fees       *prometheus.CounterVec
}

// Referral returns the lazily-initialised metrics registry for the referral
// engines.
func Referral() *ReferralMetrics {
	referralMetricsOnce.Do(func() {
		referralRegistry = &ReferralMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referrald",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "referrald",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referrald",
				Subsystem: "engine",
				Name:      "rewards_settled_total",
				Help:      "Sum of reward units settled to referrers segmented by path.",
			}, []string{"path"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referrald",
				Subsystem: "engine",
				Name:      "fees_collected_total",
				Help:      "Sum of fee units credited to the protocol fee vault by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			referralRegistry.operations,
			referralRegistry.latency,
			referralRegistry.rewards,
			referralRegistry.fees,
		)
	})
	return referralRegistry
}

// Observe records the outcome and latency of one engine operation.
func (m *ReferralMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReward adds settled reward units for the given settlement path
// ("claim" or "redeem").
func (m *ReferralMetrics) RecordReward(path string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.rewards.WithLabelValues(strings.TrimSpace(path)).Add(float64(amount))
}

// RecordFee adds collected fee units for the given fee kind.
func (m *ReferralMetrics) RecordFee(kind string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.fees.WithLabelValues(strings.TrimSpace(kind)).Add(float64(amount))
}

// VaultMetrics exposes gauges mirroring the vault balances so drift is
// visible on dashboards between reconciliation runs.
type VaultMetrics struct {
	deposited *prometheus.GaugeVec
	reserved  *prometheus.GaugeVec
	feePool   prometheus.Gauge
	drift     *prometheus.CounterVec
}

// Vault returns the singleton metrics registry for vault balances.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			deposited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "referrald",
				Subsystem: "vault",
				Name:      "deposited_balance",
				Help:      "Deposited balance per program vault in integer token units.",
			}, []string{"program"}),
			reserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "referrald",
				Subsystem: "vault",
				Name:      "reserved_balance",
				Help:      "Reserved balance per program vault in integer token units.",
			}, []string{"program"}),
			feePool: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "referrald",
				Subsystem: "vault",
				Name:      "fee_pool_balance",
				Help:      "Current balance of the protocol fee vault.",
			}),
			drift: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "referrald",
				Subsystem: "vault",
				Name:      "reconcile_adjustments_total",
				Help:      "Count of reconciliation passes that repaired reserved-balance drift.",
			}, []string{"program"}),
		}
		prometheus.MustRegister(
			vaultRegistry.deposited,
			vaultRegistry.reserved,
			vaultRegistry.feePool,
			vaultRegistry.drift,
		)
	})
	return vaultRegistry
}

// RecordBalances updates the balance gauges for one program vault.
func (m *VaultMetrics) RecordBalances(programID string, deposited, reserved int64) {
	if m == nil {
		return
	}
	m.deposited.WithLabelValues(programID).Set(float64(deposited))
	m.reserved.WithLabelValues(programID).Set(float64(reserved))
}

// RecordFeePool updates the fee vault balance gauge.
func (m *VaultMetrics) RecordFeePool(balance int64) {
	if m == nil {
		return
	}
	m.feePool.Set(float64(balance))
}

// RecordDrift counts a reconciliation pass that adjusted a vault.
func (m *VaultMetrics) RecordDrift(programID string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(programID).Inc()
}
