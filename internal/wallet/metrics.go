package wallet

import "github.com/prometheus/client_golang/prometheus"

var (
	walletOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creatorpay",
			Name:      "wallet_operations_total",
			Help:      "Total wallet balance mutations by entry type.",
		},
		[]string{"type"},
	)

	reconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "creatorpay",
			Name:      "wallet_reconcile_mismatches_total",
			Help:      "Balances whose stored state diverged from the entry fold.",
		},
	)
)

func init() {
	prometheus.MustRegister(walletOpsTotal, reconcileMismatches)
}
