// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StdoutExporter prints records for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	return newWriterExporter(os.Stdout, format, logger)
}

func newWriterExporter(w io.Writer, format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{format: format, logger: logger, out: w}
}

// ExportLogs prints log records.
func (e *StdoutExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range logs {
		if e.format == "json" {
			e.printJSON(map[string]interface{}{
				"_type":      "log",
				"timestamp":  l.Timestamp.Format(time.RFC3339Nano),
				"level":      l.Level,
				"body":       l.Body,
				"source":     l.Source,
				"attributes": l.Attributes,
			})
			continue
		}
		body := l.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		fmt.Fprintf(e.out, "[%s] %-5s %s %s\n",
			strings.ToUpper(l.Source), l.Level, body, formatAttrs(l.Attributes))
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(data map[string]interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		e.logger.Warn("marshal record", zap.Error(err))
		return
	}
	fmt.Fprintf(e.out, "%s\n", b)
}

func formatAttrs(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}
