package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []string
	s := &ShutdownCoordinator{}
	s.Register("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	s.Register("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	s.Register("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"third", "second", "first"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("shutdown order = %v, want %v", order, want)
		}
	}
}

func TestShutdownCoordinatorCollectsErrors(t *testing.T) {
	s := &ShutdownCoordinator{}
	ran := false
	s.Register("ok", func(context.Context) error {
		ran = true
		return nil
	})
	s.Register("broken", func(context.Context) error {
		return errors.New("boom")
	})

	err := s.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the failing handler, got: %v", err)
	}
	if !ran {
		t.Error("a failing handler must not stop the remaining handlers")
	}
}

func TestShutdownCoordinatorEmpty(t *testing.T) {
	s := &ShutdownCoordinator{}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("empty shutdown should be a no-op, got: %v", err)
	}
}

func TestNewMetricsMeters(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatal("registry is nil")
	}

	m.OperationTotal.WithLabelValues("store", "ok").Inc()
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("store", "ok")); got != 1 {
		t.Fatalf("OperationTotal = %f, want 1", got)
	}

	m.BytesStored.WithLabelValues("fast").Add(4096)
	if got := testutil.ToFloat64(m.BytesStored.WithLabelValues("fast")); got != 4096 {
		t.Fatalf("BytesStored = %f, want 4096", got)
	}

	m.BackendAvailability.WithLabelValues("archive", "fast").Set(1)
	if got := testutil.ToFloat64(m.BackendAvailability.WithLabelValues("archive", "fast")); got != 1 {
		t.Fatalf("BackendAvailability = %f, want 1", got)
	}

	m.OrdersRetried.Inc()
	m.OrdersDeadLettered.Inc()
	m.QueueDepth.Set(7)
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Fatalf("QueueDepth = %f, want 7", got)
	}

	// Every meter must be registered on the private registry.
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"tierstore_operation_total",
		"tierstore_bytes_stored_total",
		"tierstore_backend_availability",
		"tierstore_orders_retried_total",
		"tierstore_orders_dead_lettered_total",
		"tierstore_order_queue_depth",
	} {
		if !names[want] {
			t.Errorf("meter %s not registered", want)
		}
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)
	logger.Info("hello", "backend", "fast")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["backend"] != "fast" {
		t.Errorf("backend = %v", record["backend"])
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("warn", "json", &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got: %s", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn should pass at warn level, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStartOperationEnd(t *testing.T) {
	SetupLogger("error", "json", io.Discard)
	m := NewMetrics()

	op, ctx := StartOperation(context.Background(), m, "router.store")
	if ctx == nil {
		t.Fatal("nil context")
	}
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("router.store", "ok")); got != 1 {
		t.Fatalf("ok count = %f, want 1", got)
	}
}

func TestStartOperationEndError(t *testing.T) {
	SetupLogger("error", "json", io.Discard)
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "router.store")
	op.End(errors.New("disk full"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("router.store", "error")); got != 1 {
		t.Fatalf("error count = %f, want 1", got)
	}
}

func TestNewWithoutOTLP(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:    "error",
		LogFormat:   "json",
		ServiceName: "tierstore-test",
	}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Logger == nil || obs.Metrics == nil || obs.TracerProvider == nil {
		t.Fatal("incomplete observability")
	}
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestServeMetricsEndpoints(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:  "error",
		LogFormat: "json",
	}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := obs.ServeMetrics(context.Background(), addr)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	obs.Metrics.OrdersRetried.Inc()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics endpoint: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "tierstore_orders_retried_total") {
		t.Error("metrics body missing tierstore meters")
	}

	resp, err = http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health endpoint: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
