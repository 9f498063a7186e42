// Package metrics holds the process-wide prometheus collectors for the vote
// ledger. Label sets are fixed and small; ids never become labels.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	votesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_votes_cast_total",
		Help: "Votes fully applied to both the voter and the post, by choice (none = retraction)",
	}, []string{"choice"})
	voteNoops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_vote_noops_total",
		Help: "Votes that already matched the stored state and issued no writes",
	})
	partialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_partial_vote_failures_total",
		Help: "Votes recorded on the voter whose post-side write failed",
	})
	repairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_repairs_total",
		Help: "Post-side repairs attempted by the reconciler, by result",
	}, []string{"result"})
	counterResyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_counter_resyncs_total",
		Help: "Posts whose up/down counters were re-derived from their vote lists",
	})
	loaderBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_loader_batch_size",
		Help:    "Distribution of ids per batched entity load",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"entity"})
)

func init() {
	prometheus.MustRegister(votesCast, voteNoops, partialFailures, repairs, counterResyncs, loaderBatchSize)
}

func RecordVote(choice string) {
	if choice == "" {
		choice = "none"
	}
	votesCast.WithLabelValues(choice).Inc()
}

func RecordNoop() { voteNoops.Inc() }

func RecordPartialFailure() { partialFailures.Inc() }

// RecordRepair counts one queued repair by result: "ok", "error",
// "dropped" (user or post gone) or "malformed" (undecodable entry).
func RecordRepair(result string) { repairs.WithLabelValues(result).Inc() }

func RecordResync(n int) {
	if n > 0 {
		counterResyncs.Add(float64(n))
	}
}

func ObserveLoaderBatch(entity string, n int) {
	loaderBatchSize.WithLabelValues(entity).Observe(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
