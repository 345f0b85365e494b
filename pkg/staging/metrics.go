package staging

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Metrics collects copy statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesFailed(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

type StageMetrics struct {
	FilesCopied  atomic.Int64
	FilesFailed  atomic.Int64
	BytesWritten atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *StageMetrics) AddFilesCopied(n int64)  { m.FilesCopied.Add(n) }
func (m *StageMetrics) AddFilesFailed(n int64)  { m.FilesFailed.Add(n) }
func (m *StageMetrics) AddBytesWritten(n int64) { m.BytesWritten.Add(n) }

func (m *StageMetrics) StartProgress(msg string, interval time.Duration) {
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

func (m *StageMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

func (m *StageMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}
	plog.Info(msg,
		"files_copied", m.FilesCopied.Load(),
		"files_failed", m.FilesFailed.Load(),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"duration", duration.Round(time.Millisecond),
	)
}

type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddFilesFailed(n int64)                           {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*StageMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
