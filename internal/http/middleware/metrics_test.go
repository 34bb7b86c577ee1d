package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/messages/:peer", func(c *gin.Context) {
		c.String(http.StatusOK, `{"messages":[]}`)
	})

	// Baselines first: collectors are process-global.
	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/messages/:peer", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/messages/bob", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /messages/bob -> %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope -> %d", w.Code)
	}

	// The route template, not the concrete peer id, is the path label.
	got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/messages/:peer", "200"))
	if got != baseOK+1 {
		t.Fatalf("matched route counter: got %v want %v", got, baseOK+1)
	}
	if raw := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/messages/bob", "200")); raw != 0 {
		t.Fatalf("raw path leaked into labels: %v", raw)
	}

	// Unrouted requests land in the shared bucket.
	gotMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))
	if gotMiss != baseMiss+1 {
		t.Fatalf("unmatched counter: got %v want %v", gotMiss, baseMiss+1)
	}
}

func TestMetrics_InflightReturnsToZero(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var during float64
	r := gin.New()
	r.Use(Metrics())
	r.GET("/slow", func(c *gin.Context) {
		during = testutil.ToFloat64(httpInflight)
		c.Status(http.StatusOK)
	})

	before := testutil.ToFloat64(httpInflight)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	if during != before+1 {
		t.Fatalf("inflight during handler: got %v want %v", during, before+1)
	}
	if after := testutil.ToFloat64(httpInflight); after != before {
		t.Fatalf("inflight after: got %v want %v", after, before)
	}
}
