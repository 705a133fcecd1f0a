package telemetry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cherve/cherve/pkg/telemetry"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *telemetry.Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *telemetry.Config) {}},
		{name: "missing service name", mutate: func(c *telemetry.Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad log format", mutate: func(c *telemetry.Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *telemetry.Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "sampling out of range",
			mutate: func(c *telemetry.Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "stdout"
				c.Tracing.SamplingRate = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := telemetry.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *telemetry.Metrics
	m.RecordRunStarted("site-deploy")
	m.RecordStep("install", "installed", time.Second)
	m.RecordError("VALIDATION_FAILED", "")
	m.SetSiteMode("acme", true)
	if err := m.WriteTextfile("site-deploy"); err != nil {
		t.Fatalf("WriteTextfile on nil metrics: %v", err)
	}
}

func TestMetricsWriteTextfile(t *testing.T) {
	dir := t.TempDir()
	cfg := telemetry.DefaultConfig().Metrics
	cfg.TextfileDir = dir

	m, err := telemetry.NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRunStarted("server-install")
	m.RecordPackagesInstalled(3)
	m.RecordRunCompleted("server-install", "succeeded", 2*time.Second)

	if err := m.WriteTextfile("server-install"); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "server-install.prom"))
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`cherve_runs_started_total{command="server-install"} 1`,
		`cherve_packages_installed_total 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestOperationWithoutTelemetry(t *testing.T) {
	op := telemetry.StartOperation(context.Background(), "publish", "acme.example")
	if op.Ctx == nil || op.Span == nil || op.Logger == nil {
		t.Fatal("StartOperation returned incomplete operation")
	}
	op.End(errors.New("boom"))
}

func TestTelemetryContextRoundTrip(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	ctx := tel.WithContext(context.Background())

	if got := telemetry.FromTelemetryContext(ctx); got != tel {
		t.Errorf("FromTelemetryContext() = %p, want %p", got, tel)
	}
	if got := telemetry.FromContext(ctx); got != tel.Logger {
		t.Errorf("FromContext() did not return the bundle logger")
	}
	if err := tel.Shutdown(context.Background(), "test"); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestLoggerFields(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cherve.log")
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "debug", Format: "json", Output: out})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	ctx := logger.WithRunID("run-1").WithContext(context.Background())

	telemetry.FromContext(ctx).WithSite("acme").WithDomain("acme.example").
		WithError(errors.New("boom")).Warn("attach failed")

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_id":"run-1"`, `"site":"acme"`, `"domain":"acme.example"`, `"error":"boom"`, `"level":"warn"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log line %s missing %s", data, want)
		}
	}
}
