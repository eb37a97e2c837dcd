// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/SteamRE/SteamKit-sub000/pkg/config"
	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
)

// OTLP severity numbers used for dispatch records.
const (
	severityInfo = 9
	severityWarn = 13
)

// OTLPExporter sends dispatch records as OTLP logs over gRPC with automatic
// reconnection.
type OTLPExporter struct {
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
	endpoint       string
	headers        map[string]string
	opts           []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. Dialing is lazy, so an
// unreachable collector does not fail startup.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:         logger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		endpoint:       cfg.Endpoint,
		headers:        cfg.Headers,
		opts:           opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// Name implements Exporter.
func (e *OTLPExporter) Name() string { return "otlp" }

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

func (e *OTLPExporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", e.serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "nethook"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if e.serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", e.serviceVersion))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}},
	}
}

// convertRecord maps one dispatch record to an OTLP log record.
func convertRecord(r *dispatch.Record) *logspb.LogRecord {
	body := r.Name
	if r.Detail != "" {
		body = r.Name + " " + r.Detail
	}

	severity, text := severityInfo, "INFO"
	if !r.Accepted {
		severity, text = severityWarn, "WARN"
	}

	pl := &logspb.LogRecord{
		TimeUnixNano:         uint64(r.Time.UnixNano()),
		ObservedTimeUnixNano: uint64(r.Time.UnixNano()),
		SeverityNumber:       logspb.SeverityNumber(severity),
		SeverityText:         text,
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(body)},
		},
		Attributes: []*commonpb.KeyValue{
			strAttr("steam.direction", r.Direction.String()),
			intAttr("steam.emsg", int64(r.EMsg)),
			strAttr("steam.emsg_name", r.Name),
			intAttr("steam.size", int64(r.Size)),
			boolAttr("steam.handled", r.Handled),
			strAttr("steam.layout", r.Layout.String()),
		},
	}
	if len(r.Header) > 0 {
		pl.Attributes = append(pl.Attributes, strAttr("steam.header", hex.EncodeToString(r.Header)))
	}
	return pl
}

// ExportRecords sends dispatch records as one ResourceLogs.
func (e *OTLPExporter) ExportRecords(ctx context.Context, records []*dispatch.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	logs := make([]*logspb.LogRecord, 0, len(records))
	for _, r := range records {
		logs = append(logs, convertRecord(r))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: e.resource(),
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "nethook"},
				LogRecords: logs,
			}},
		}},
	}

	for k, v := range e.headers {
		ctx = metadata.AppendToOutgoingContext(ctx, k, v)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	if _, err := svc.Export(ctx, req); err != nil {
		return fmt.Errorf("export logs: %w", err)
	}
	return nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Detail strings can carry raw protobuf string fields, which
// protobuf marshaling rejects when they are not valid UTF-8.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
