// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/shirou/gopsutil/v3/host"
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

	"github.com/mbeema/interpose/pkg/config"
)

const scopeName = "github.com/mbeema/interpose"

// OTLPExporter sends records as OTLP logs over gRPC with automatic
// reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	headers     metadata.MD
	opts        []grpc.DialOption
	res         *resourcepb.Resource

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. The connection is
// established lazily by gRPC.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(4*1024*1024),
			grpc.UseCompressor("gzip"),
		),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		headers:     metadata.New(cfg.Headers),
		opts:        opts,
	}
	e.res = e.resource()
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected reconnects a connection that has failed or shut down.
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
	}
	return nil
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// resource describes this process. Host details come from gopsutil and are
// skipped when unavailable.
func (e *OTLPExporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", e.serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "interpose"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if info, err := host.Info(); err == nil {
		attrs = append(attrs,
			strAttr("os.type", info.OS),
			strAttr("os.description", info.Platform+" "+info.PlatformVersion),
			strAttr("os.version", info.KernelVersion),
		)
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

func convertLogRecord(l *LogRecord) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(l.Timestamp.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(l.Body)},
		},
		SeverityText:   l.Level,
		SeverityNumber: logspb.SeverityNumber(l.SeverityNumber),
	}
	if !l.ObservedTime.IsZero() {
		pl.ObservedTimeUnixNano = uint64(l.ObservedTime.UnixNano())
	}

	keys := make([]string, 0, len(l.Attributes)+1)
	for k := range l.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pl.Attributes = append(pl.Attributes, &commonpb.KeyValue{Key: k, Value: toAnyValue(l.Attributes[k])})
	}
	if l.Source != "" {
		pl.Attributes = append(pl.Attributes, strAttr("source", l.Source))
	}
	return pl
}

// ExportLogs sends records via OTLP gRPC in one ResourceLogs.
func (e *OTLPExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	records := make([]*logspb.LogRecord, 0, len(logs))
	for _, l := range logs {
		records = append(records, convertLogRecord(l))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: e.res,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName},
				LogRecords: records,
			}},
		}},
	}

	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, e.headers)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// sanitizeUTF8 replaces invalid UTF-8 sequences, which protobuf string
// fields reject. Request URIs can carry arbitrary bytes.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
