package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chainbill_active_websocket_clients") {
		t.Error("Expected gauge chainbill_active_websocket_clients in output")
	}

	VerificationsTotal.WithLabelValues("base", "confirmed").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "chainbill_invoice_verifications_total") {
		t.Error("Expected chainbill_invoice_verifications_total after incrementing")
	}
}

func TestInvoicesExpiredTotal_Add(t *testing.T) {
	read := func() float64 {
		m := &dto.Metric{}
		if err := InvoicesExpiredTotal.Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		return m.GetCounter().GetValue()
	}

	before := read()
	InvoicesExpiredTotal.Add(3)
	if got := read() - before; got != 3 {
		t.Errorf("expected delta 3, got %v", got)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/invoices/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/invoices/inv_x", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}

	m := &dto.Metric{}
	if err := HTTPRequestsTotal.WithLabelValues("GET", "/v1/invoices/:id", "4xx").Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Error("expected request to be counted under the route pattern")
	}
}
