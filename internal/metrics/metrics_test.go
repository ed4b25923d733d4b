package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPartnerAttempt(t *testing.T) {
	before := testutil.ToFloat64(PartnerAttempts.WithLabelValues("results", "transport_error"))
	RecordPartnerAttempt("results", true)
	RecordPartnerAttempt("results", false)
	if got := testutil.ToFloat64(PartnerAttempts.WithLabelValues("results", "transport_error")); got != before+1 {
		t.Errorf("transport_error attempts = %v, want %v", got, before+1)
	}
}

func TestRecordSyncRun(t *testing.T) {
	before := testutil.ToFloat64(SyncBatchFailures.WithLabelValues("orders"))
	RecordSyncRun("orders", time.Second, false)
	RecordSyncRun("orders", time.Second, true)
	if got := testutil.ToFloat64(SyncBatchFailures.WithLabelValues("orders")); got != before+1 {
		t.Errorf("batch failures = %v, want %v", got, before+1)
	}
}

func TestRecordSyncItem(t *testing.T) {
	before := testutil.ToFloat64(SyncItems.WithLabelValues("confirmations", "ack_failed"))
	RecordSyncItem("confirmations", "ack_failed")
	if got := testutil.ToFloat64(SyncItems.WithLabelValues("confirmations", "ack_failed")); got != before+1 {
		t.Errorf("items = %v, want %v", got, before+1)
	}
}
