// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/breaker"
	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/gateway"
	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
)

// LogRecord is one exported event.
type LogRecord struct {
	Timestamp      time.Time
	ObservedTime   time.Time
	Body           string
	Level          string
	SeverityNumber int32 // OTEL SeverityNumber (1-24)
	Attributes     map[string]interface{}
	Source         string // "gateway" or "hook"
}

// OTEL severity numbers used by this package.
const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

// Exporter ships batches of records somewhere.
type Exporter interface {
	ExportLogs(ctx context.Context, logs []*LogRecord) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches gateway and hook events and hands them to exporters.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	logCh chan *LogRecord

	logCount  atomic.Int64
	dropCount atomic.Int64
	onDrop    func()

	batchSize     int
	flushInterval time.Duration
	breaker       *breaker.Breaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExporter adds an exporter.
func WithExporter(e Exporter) ManagerOption {
	return func(m *Manager) { m.exporters = append(m.exporters, e) }
}

// WithFlushInterval sets how often partial batches are flushed.
func WithFlushInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.flushInterval = d }
}

// WithBatchSize sets the batch size that triggers an immediate flush.
func WithBatchSize(n int) ManagerOption {
	return func(m *Manager) { m.batchSize = n }
}

// WithDropHook is called once per dropped record or failed batch.
func WithDropHook(fn func()) ManagerOption {
	return func(m *Manager) { m.onDrop = fn }
}

// WithBreaker replaces the default export circuit breaker.
func WithBreaker(b *breaker.Breaker) ManagerOption {
	return func(m *Manager) { m.breaker = b }
}

// NewManager creates the exporters cfg enables.
func NewManager(cfg *config.ExportersConfig, serviceName string, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:        logger,
		logCh:         make(chan *LogRecord, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		breaker:       breaker.New(5, 30*time.Second),
		stopCh:        make(chan struct{}),
	}

	if cfg != nil && cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, serviceName, logger)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		m.exporters = append(m.exporters, exp)
	}
	if cfg != nil && cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Enabled reports whether any exporter is configured.
func (m *Manager) Enabled() bool {
	return len(m.exporters) > 0
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processLogs(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining records and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("logs_exported", m.logCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

// Emit implements gateway.EventSink.
func (m *Manager) Emit(ev gateway.Event) {
	sev, level := int32(severityWarn), "WARN"
	if ev.Outcome == pipeline.InternalError {
		sev, level = severityError, "ERROR"
	}
	m.ExportLog(&LogRecord{
		Timestamp:      ev.Time,
		Body:           fmt.Sprintf("%s %s %s", ev.Outcome, ev.Method, ev.URI),
		Level:          level,
		SeverityNumber: sev,
		Source:         "gateway",
		Attributes: map[string]interface{}{
			"gateway.outcome":     ev.Outcome.String(),
			"gateway.reason":      ev.Reason,
			"gateway.verdict":     int64(ev.Verdict),
			"gateway.status":      ev.Status,
			"gateway.latency_us":  ev.Latency.Microseconds(),
			"http.request.method": ev.Method,
			"url.full":            ev.URI,
			"server.address":      ev.Host,
			"client.address":      ev.RemoteAddr,
		},
	})
}

// ObserveCommit exports hook table changes. Pass it to
// hook.WithCommitObserver.
func (m *Manager) ObserveCommit(ev hook.CommitEvent) {
	rec := &LogRecord{
		Timestamp:      time.Now(),
		Body:           fmt.Sprintf("hook table generation %d", ev.Generation),
		Level:          "INFO",
		SeverityNumber: severityInfo,
		Source:         "hook",
		Attributes: map[string]interface{}{
			"hook.generation": int64(ev.Generation),
			"hook.ops":        ev.Ops,
			"hook.active":     ev.Active,
		},
	}
	if ev.Err != nil {
		rec.Body = "hook transaction aborted"
		rec.Level, rec.SeverityNumber = "ERROR", severityError
		rec.Attributes["error"] = ev.Err.Error()
	}
	m.ExportLog(rec)
}

// ExportLog queues a record for export.
func (m *Manager) ExportLog(log *LogRecord) {
	if !m.Enabled() {
		return
	}
	if log.ObservedTime.IsZero() {
		log.ObservedTime = time.Now()
	}
	select {
	case m.logCh <- log:
	default:
		m.dropped()
		m.logger.Warn("log channel full, dropping record")
	}
}

func (m *Manager) dropped() {
	m.dropCount.Add(1)
	if m.onDrop != nil {
		m.onDrop()
	}
}

func (m *Manager) processLogs(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*LogRecord, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case log := <-m.logCh:
				batch = append(batch, log)
			default:
				if len(batch) > 0 {
					m.flushLogs(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case log := <-m.logCh:
			batch = append(batch, log)
			if len(batch) >= m.batchSize {
				m.flushLogs(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushLogs(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flushLogs(ctx context.Context, logs []*LogRecord) {
	out := make([]*LogRecord, len(logs))
	copy(out, logs)
	for _, exp := range m.exporters {
		m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportLogs(expCtx, out)
		})
	}
	m.logCount.Add(int64(len(out)))
}

// retryExport attempts an export with exponential backoff behind the
// circuit breaker.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) {
	if !m.breaker.Allow() {
		m.dropped()
		m.logger.Debug("circuit breaker open, dropping export")
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.breaker.RecordSuccess()
			return
		}

		m.breaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropped()
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.dropped()
			return
		}

		backoff = time.Duration(math.Min(float64(backoff)*backoffFactor, float64(maxBackoff)))
	}
}

// Stats returns the number of exported and dropped records.
func (m *Manager) Stats() (exported, dropped int64) {
	return m.logCount.Load(), m.dropCount.Load()
}
