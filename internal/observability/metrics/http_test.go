package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/executions", http.MethodPost, http.StatusServiceUnavailable, 120*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`agentnexus_http_requests_total{code="503",handler="/api/v1/executions",method="POST"} 1`,
		`agentnexus_http_request_errors_total{handler="/api/v1/executions",method="POST"} 1`,
		`agentnexus_http_request_duration_seconds_count{handler="/api/v1/executions",method="POST"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
