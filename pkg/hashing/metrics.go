package hashing

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Metrics collects hashing statistics.
type Metrics interface {
	AddFilesHashed(n int64)
	AddFilesFailed(n int64)
	AddDuplicates(n int64)
	AddBytesRead(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// HashMetrics holds the atomic counters of a hashing pass.
type HashMetrics struct {
	FilesHashed atomic.Int64
	FilesFailed atomic.Int64
	Duplicates  atomic.Int64
	BytesRead   atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *HashMetrics) AddFilesHashed(n int64) { m.FilesHashed.Add(n) }
func (m *HashMetrics) AddFilesFailed(n int64) { m.FilesFailed.Add(n) }
func (m *HashMetrics) AddDuplicates(n int64)  { m.Duplicates.Add(n) }
func (m *HashMetrics) AddBytesRead(n int64)   { m.BytesRead.Add(n) }

func (m *HashMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
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

func (m *HashMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

func (m *HashMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}
	plog.Info(msg,
		"files_hashed", m.FilesHashed.Load(),
		"files_failed", m.FilesFailed.Load(),
		"duplicates", m.Duplicates.Load(),
		"bytes_read", util.ByteCountIEC(m.BytesRead.Load()),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesHashed(n int64)                           {}
func (m *NoopMetrics) AddFilesFailed(n int64)                           {}
func (m *NoopMetrics) AddDuplicates(n int64)                            {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*HashMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
