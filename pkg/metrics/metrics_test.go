package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallMetrics(t *testing.T) {
	CallsTotal.Reset()
	CallsCurrent.Reset()

	CallsTotal.WithLabelValues("voicemail").Inc()
	CallsTotal.WithLabelValues("voicemail").Inc()
	CallsCurrent.WithLabelValues("voicemail-main").Inc()
	CallsCurrent.WithLabelValues("voicemail-main").Dec()

	assert.Equal(t, 2.0, testutil.ToFloat64(CallsTotal.WithLabelValues("voicemail")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CallsCurrent.WithLabelValues("voicemail-main")))
}

func TestAuthenticationAttempts(t *testing.T) {
	AuthenticationAttempts.Reset()

	AuthenticationAttempts.WithLabelValues("voicemail-main", "password", "failure").Inc()
	AuthenticationAttempts.WithLabelValues("voicemail-main", "password", "success").Inc()
	AuthenticationAttempts.WithLabelValues("voicemail", "mailbox", "success").Inc()

	assert.Equal(t, 3, testutil.CollectAndCount(AuthenticationAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("voicemail-main", "password", "failure")))
}

func TestMessageCounterExposition(t *testing.T) {
	before := testutil.ToFloat64(MessagesRecorded)
	MessagesRecorded.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesRecorded))

	expected := `
# HELP vmail_messages_moved_total Total number of messages moved between folders
# TYPE vmail_messages_moved_total counter
vmail_messages_moved_total 0
`
	assert.NoError(t, testutil.CollectAndCompare(MessagesMoved, strings.NewReader(expected)))
}

func TestHistogramsRegistered(t *testing.T) {
	collectors := []prometheus.Collector{
		CallDuration, RecordingDuration, DBQueryDuration, S3OperationDuration, ARICommandDuration,
	}
	for _, c := range collectors {
		assert.Error(t, prometheus.Register(c), "collector should already be registered by promauto")
	}
}

func TestRecordingDurationBuckets(t *testing.T) {
	var before dto.Metric
	require.NoError(t, RecordingDuration.Write(&before))

	RecordingDuration.Observe(7)
	RecordingDuration.Observe(400)

	var after dto.Metric
	require.NoError(t, RecordingDuration.Write(&after))
	h := after.GetHistogram()
	require.NotNil(t, h)
	assert.Equal(t, before.GetHistogram().GetSampleCount()+2, h.GetSampleCount())

	for _, b := range h.GetBucket() {
		if b.GetUpperBound() == 10 {
			assert.Equal(t, findBucket(before.GetHistogram(), 10)+1, b.GetCumulativeCount())
		}
	}
}

func findBucket(h *dto.Histogram, upper float64) uint64 {
	for _, b := range h.GetBucket() {
		if b.GetUpperBound() == upper {
			return b.GetCumulativeCount()
		}
	}
	return 0
}
