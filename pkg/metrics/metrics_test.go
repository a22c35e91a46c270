package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordDelivery(t *testing.T) {
	counter := metricsSingleton().deliveries.WithLabelValues("metrics-test", "telegram", "text", ResultFailed)
	before := testutil.ToFloat64(counter)

	RecordDelivery("metrics-test", "telegram", "text", false)
	RecordDelivery("metrics-test", "telegram", "text", true)

	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRecordStep(t *testing.T) {
	counter := metricsSingleton().steps.WithLabelValues("metrics-test-step", ResultOK)
	before := testutil.ToFloat64(counter)

	RecordStep("metrics-test-step", true, 150*time.Millisecond)

	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHandlerExposesCounters(t *testing.T) {
	RecordArchiveFallback("metrics-test", "viber-bot")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `mailbridge_archive_fallbacks_total{channel="viber-bot",dispatcher="metrics-test"}`)
}
