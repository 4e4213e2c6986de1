package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.CacheLookup(true)
	r.CacheLookup(false)
	r.CacheLookup(false)
	r.Completion("json", nil, time.Second)
	r.Completion("json", errors.New("boom"), time.Second)
	r.StageOutcome("merge", "error")

	require.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.completions.WithLabelValues("json", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.stageOutcomes.WithLabelValues("merge", "error")))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.CacheLookup(true)
		r.Completion("text", nil, 0)
		r.StageOutcome("quality", "success")
		r.RunDuration(time.Minute)
		r.WebhookRequest("202")
	})
}
