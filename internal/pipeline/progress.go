package pipeline

import (
	"context"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/codementor-bot/codementor/internal/stage"
)

// Progress checkpoints, in percent.
const (
	progressReceived    = 5.0
	progressCloned      = 15.0
	progressMergeDone   = 50.0
	progressQualityDone = 85.0
	progressComposed    = 95.0
	progressPosted      = 100.0
)

// ReportFunc publishes a progress value.
type ReportFunc func(ctx context.Context, percent float64, status string) error

// Progress is the run's single progress counter. Values never decrease and
// never exceed 100; a lower value is reported as the current one.
type Progress struct {
	mu      sync.Mutex
	percent float64
	report  ReportFunc
}

// NewProgress creates a counter at zero. report may be nil.
func NewProgress(report ReportFunc) *Progress {
	return &Progress{report: report}
}

// Set advances the counter to percent and publishes it. Publishing failures
// are logged and otherwise ignored.
func (p *Progress) Set(ctx context.Context, percent float64, status string) {
	p.mu.Lock()
	if percent > 100 {
		percent = 100
	}
	if percent < p.percent {
		percent = p.percent
	}
	p.percent = percent
	p.mu.Unlock()

	if p.report == nil {
		return
	}
	if err := p.report(ctx, percent, status); err != nil {
		clog.FromContext(ctx).Warnf("Failed to report progress: %v", err)
	}
}

// Percent returns the current value.
func (p *Progress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

// Span returns a stage.ProgressFunc that maps done/total files onto the
// range [from, to].
func (p *Progress) Span(ctx context.Context, from, to float64, status string) stage.ProgressFunc {
	return func(done, total int) {
		if total <= 0 {
			return
		}
		p.Set(ctx, from+(to-from)*float64(done)/float64(total), status)
	}
}
