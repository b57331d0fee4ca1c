// Package pathcompressionmetrics collects counters for an archive run.
package pathcompressionmetrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

// Metrics defines the interface for collecting and reporting archive statistics.
type Metrics interface {
	AddArchivesCreated(n int64)
	AddArchivesFailed(n int64)
	AddEntriesProcessed(n int64)
	AddLinksPreserved(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters for an archive run.
// BytesRead counts source bytes fed into the archive writer and BytesWritten
// counts the compressed bytes that reached the output file.
type CompressionMetrics struct {
	ArchivesCreated  atomic.Int64
	ArchivesFailed   atomic.Int64
	EntriesProcessed atomic.Int64
	LinksPreserved   atomic.Int64
	BytesRead        atomic.Int64
	BytesWritten     atomic.Int64

	stopChan chan struct{}
}

func (m *CompressionMetrics) AddArchivesCreated(n int64)  { m.ArchivesCreated.Add(n) }
func (m *CompressionMetrics) AddArchivesFailed(n int64)   { m.ArchivesFailed.Add(n) }
func (m *CompressionMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }
func (m *CompressionMetrics) AddLinksPreserved(n int64)   { m.LinksPreserved.Add(n) }
func (m *CompressionMetrics) AddBytesRead(n int64)        { m.BytesRead.Add(n) }
func (m *CompressionMetrics) AddBytesWritten(n int64)     { m.BytesWritten.Add(n) }

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *CompressionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the metrics.
func (m *CompressionMetrics) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()

	var ratio float64
	if read > 0 {
		ratio = float64(written) / float64(read) * 100.0
	}

	plog.Info(msg,
		"archives_created", m.ArchivesCreated.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
		"entries_processed", m.EntriesProcessed.Load(),
		"links_preserved", m.LinksPreserved.Load(),
		"bytes_read", fmt.Sprintf("%d", read),
		"bytes_written", fmt.Sprintf("%d", written),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArchivesCreated(n int64)                       {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) AddLinksPreserved(n int64)                        {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
