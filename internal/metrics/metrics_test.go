package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// gathered returns the summed value of a counter family for the labels given.
func gathered(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRecordSettlement(t *testing.T) {
	before := gathered(t, "partypay_ledger_payout_won_total", nil)

	RecordSettlement("COMPLETED", 25500)
	RecordSettlement("FAILED", 9999)

	if got := gathered(t, "partypay_ledger_payout_won_total", nil) - before; got != 25500 {
		t.Errorf("Expected payout to grow by 25500, got %v", got)
	}
	if got := gathered(t, "partypay_ledger_settlements_total", map[string]string{"status": "FAILED"}); got < 1 {
		t.Errorf("Expected FAILED settlement to be counted, got %v", got)
	}
}

func TestRecordJob(t *testing.T) {
	RecordJob("reconcile", nil)
	RecordJob("reconcile", errors.New("boom"))

	got := gathered(t, "partypay_worker_job_runs_total", map[string]string{"job": "reconcile", "success": "false"})
	if got < 1 {
		t.Errorf("Expected failed run to be counted, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordBankCall("deposit", "success", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "partypay_bank_requests_total") {
		t.Error("Expected bank request counter in exposition")
	}
}
