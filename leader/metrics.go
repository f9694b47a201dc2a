package leader

import "github.com/prometheus/client_golang/prometheus"

var (
	electionsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_leader_elections_won_total",
		Help: "Times this node won the leader election.",
	})
	renewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_leader_renewals_total",
		Help: "Successful lease renewals.",
	})
	renewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_leader_renew_failures_total",
		Help: "Lease renewals that errored.",
	})
	leasesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_leader_leases_lost_total",
		Help: "Times the lease was lost to another node.",
	})
)

func init() {
	prometheus.MustRegister(electionsWon, renewals, renewFailures, leasesLost)
}
