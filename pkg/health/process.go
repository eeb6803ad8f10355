// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessCollector exports resource gauges of the hooked process, read
// through gopsutil at scrape time.
type ProcessCollector struct {
	pid    int32
	logger *zap.Logger

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	vms     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

// NewProcessCollector observes pid, or this process when pid is 0.
func NewProcessCollector(pid int, logger *zap.Logger) *ProcessCollector {
	if pid == 0 {
		pid = os.Getpid()
	}
	labels := prometheus.Labels{"pid": strconv.Itoa(pid)}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "target", name), help, nil, labels)
	}
	return &ProcessCollector{
		pid:     int32(pid),
		logger:  logger,
		cpu:     desc("cpu_utilization", "CPU utilization of the hooked process, 0-1 per core"),
		rss:     desc("memory_rss_bytes", "Resident memory of the hooked process"),
		vms:     desc("memory_virtual_bytes", "Virtual memory of the hooked process"),
		threads: desc("threads", "Threads of the hooked process"),
		fds:     desc("open_fds", "Open file descriptors of the hooked process"),
	}
}

// Describe implements prometheus.Collector.
func (pc *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.cpu
	ch <- pc.rss
	ch <- pc.vms
	ch <- pc.threads
	ch <- pc.fds
}

// Collect implements prometheus.Collector. Values that cannot be read are
// omitted for this scrape.
func (pc *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	proc, err := process.NewProcess(pc.pid)
	if err != nil {
		// Transient /proc errors only cost one scrape.
		pc.logger.Debug("process not found", zap.Int32("pid", pc.pid), zap.Error(err))
		return
	}

	if pct, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.cpu, prometheus.GaugeValue, pct/100)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.rss, prometheus.GaugeValue, float64(mem.RSS))
		ch <- prometheus.MustNewConstMetric(pc.vms, prometheus.GaugeValue, float64(mem.VMS))
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.threads, prometheus.GaugeValue, float64(n))
	}
	if n, err := proc.NumFDs(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.fds, prometheus.GaugeValue, float64(n))
	}
}
