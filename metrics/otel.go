package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"vigil/logger"
)

// Forwarder ships metric exports and threat events to an OTLP/HTTP log
// collector. A nil Forwarder is valid and does nothing.
type Forwarder struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	// includePaths controls whether file paths leave the host.
	includePaths bool
}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	Endpoint string
	// FromEnv falls back to the standard OTEL_EXPORTER_OTLP_* variables
	// when Endpoint is empty.
	FromEnv      bool
	Headers      map[string]string
	Timeout      time.Duration
	ServiceName  string
	IncludePaths bool
}

// NewForwarder returns (nil, nil) when no endpoint is configured.
func NewForwarder(opts ForwarderOptions) (*Forwarder, error) {
	endpoint := resolveEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "vigil"
	}

	expOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		expOpts = append(expOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		expOpts = append(expOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := otlploghttp.New(context.Background(), expOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(opts.ServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &Forwarder{
		provider:     provider,
		logger:       provider.Logger("vigil"),
		timeout:      opts.Timeout,
		endpoint:     endpoint,
		includePaths: opts.IncludePaths,
	}, nil
}

func resolveEndpoint(opts ForwarderOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// Endpoint returns the resolved collector endpoint.
func (f *Forwarder) Endpoint() string {
	if f == nil {
		return ""
	}
	return f.endpoint
}

// Emit ships one record. Path-bearing fields are dropped unless exporting
// paths was explicitly enabled.
func (f *Forwarder) Emit(recordType string, payload any) {
	if f == nil || f.logger == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Debugf("OTEL payload encoding failed: %v", err)
		return
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err == nil && !f.includePaths {
		delete(decoded, "path")
		delete(decoded, "original_path")
		if data, err = json.Marshal(decoded); err != nil {
			return
		}
	}

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("vigil.record")
	record.AddAttributes(otelLog.String("record_type", recordType))
	record.SetBody(otelLog.StringValue(string(data)))

	f.logger.Emit(context.Background(), record)
}

// EmitSnapshot is the Recorder's periodic-export hook.
func (f *Forwarder) EmitSnapshot(e Export) {
	f.Emit("metrics_snapshot", e)
}

// Shutdown flushes buffered records.
func (f *Forwarder) Shutdown() {
	if f == nil || f.provider == nil {
		return
	}
	timeout := f.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := f.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}
