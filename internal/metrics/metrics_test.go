package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordVote(t *testing.T) {
	before := testutil.ToFloat64(votesCast.WithLabelValues("none"))
	RecordVote("")
	assert.Equal(t, before+1, testutil.ToFloat64(votesCast.WithLabelValues("none")))

	before = testutil.ToFloat64(votesCast.WithLabelValues("UPVOTE"))
	RecordVote("UPVOTE")
	assert.Equal(t, before+1, testutil.ToFloat64(votesCast.WithLabelValues("UPVOTE")))
}

func TestCounters(t *testing.T) {
	noops := testutil.ToFloat64(voteNoops)
	partial := testutil.ToFloat64(partialFailures)
	resyncs := testutil.ToFloat64(counterResyncs)

	RecordNoop()
	RecordPartialFailure()
	RecordResync(3)
	RecordResync(0)

	assert.Equal(t, noops+1, testutil.ToFloat64(voteNoops))
	assert.Equal(t, partial+1, testutil.ToFloat64(partialFailures))
	assert.Equal(t, resyncs+3, testutil.ToFloat64(counterResyncs))
}

func TestRecordRepair(t *testing.T) {
	before := testutil.ToFloat64(repairs.WithLabelValues("ok"))
	RecordRepair("ok")
	assert.Equal(t, before+1, testutil.ToFloat64(repairs.WithLabelValues("ok")))
}

func TestHandler(t *testing.T) {
	ObserveLoaderBatch("user", 4)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `ledger_loader_batch_size_bucket{entity="user"`))
	assert.Contains(t, body, "ledger_partial_vote_failures_total")
}
