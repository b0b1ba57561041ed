package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code   int
		bucket string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{100, "1xx"},
	}
	for _, tc := range tests {
		if got := statusBucket(tc.code); got != tc.bucket {
			t.Errorf("statusBucket(%d) = %s, want %s", tc.code, got, tc.bucket)
		}
	}
}

// findCounter digs the counter value for a label set out of a gathered family.
func findCounter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			family = f
			break
		}
	}
	if family == nil {
		t.Fatalf("metric family %s not registered", name)
	}
	for _, m := range family.GetMetric() {
		match := true
		for _, l := range m.GetLabel() {
			if want, ok := labels[l.GetName()]; ok && want != l.GetValue() {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMiddlewareCountsRequests(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := findCounter(t, "creatorpay_http_requests_total", map[string]string{
		"method": "GET", "path": "/ping", "status": "2xx",
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("request failed: %d", w.Code)
	}

	after := findCounter(t, "creatorpay_http_requests_total", map[string]string{
		"method": "GET", "path": "/ping", "status": "2xx",
	})
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}
