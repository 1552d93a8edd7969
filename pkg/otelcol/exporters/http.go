package exporters

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"mlm-backoffice/pkg/config"
)

func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{otlptracehttp.WithCompression(otlptracehttp.GzipCompression)}
	if cfg.Telemetry.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint))
	}
	if cfg.Telemetry.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}

// New picks the OTLP exporter for the configured protocol.
func New(cfg *config.Config) (*otlptrace.Exporter, error) {
	switch cfg.Telemetry.Protocol {
	case "", "grpc":
		return ProvideGrpc(cfg)
	case "http":
		return ProvideHttp(cfg)
	default:
		return nil, fmt.Errorf("unsupported telemetry protocol %q", cfg.Telemetry.Protocol)
	}
}
