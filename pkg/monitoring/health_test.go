package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type pingableClient struct{}

func (p *pingableClient) Ping(context.Context) error { return nil }

type failingPinger struct{}

func (p *failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type stubLink struct{ connected bool }

func (s *stubLink) Connected() bool { return s.connected }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", status.Status)
	}
	if status.Service != "svc" {
		t.Errorf("expected service svc, got %q", status.Service)
	}
}

func TestHealthChecker_Aggregation(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %q", got)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %q", got)
	}
}

func TestHealthHandler_UnhealthyStatusCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	router := gin.New()
	router.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStoreHealthCheck(t *testing.T) {
	res := StoreHealthCheck(&pingableClient{})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
	if res.Latency == "" {
		t.Error("expected latency to be recorded")
	}

	res = StoreHealthCheck(&failingPinger{})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %q", res.Status)
	}
}

func TestKafkaProducerHealthCheck_NilClient(t *testing.T) {
	res := KafkaProducerHealthCheck(nil)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil client, got %q", res.Status)
	}
	if res.Message != "Kafka client is nil" {
		t.Errorf("unexpected message: %q", res.Message)
	}
}

func TestClusterLinkHealthCheck(t *testing.T) {
	if got := ClusterLinkHealthCheck(nil)().Status; got != StatusDegraded {
		t.Fatalf("expected degraded for nil link, got %q", got)
	}
	if got := ClusterLinkHealthCheck(&stubLink{connected: false})().Status; got != StatusDegraded {
		t.Fatalf("expected degraded for disconnected link, got %q", got)
	}
	if got := ClusterLinkHealthCheck(&stubLink{connected: true})().Status; got != StatusHealthy {
		t.Fatalf("expected healthy for connected link, got %q", got)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"A": "1", "B": "2"})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", res.Status)
	}

	res = ConfigurationHealthCheck(map[string]string{"A": "1", "B": ""})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy with missing value, got %q", res.Status)
	}
}
