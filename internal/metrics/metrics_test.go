package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRegisteredSeries(t *testing.T) {
	AlertsIngested.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "defender_alerts_ingested_total") {
		t.Fatalf("response did not contain defender_alerts_ingested_total:\n%s", w.Body.String())
	}
}
