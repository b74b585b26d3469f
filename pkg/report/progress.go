package report

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/ngld/buildsys/pkg/runlog"
)

// Progress shows a progress bar over the steps of a run. It stays hidden on CI where
// the carriage returns would only clutter the log.
type Progress struct {
	runlog.Nop
	lock sync.Mutex
	bar  *progressbar.ProgressBar
	done int
}

// NewProgress creates a progress observer. A negative total shows a spinner instead of a bar.
func NewProgress(total int, w io.Writer) *Progress {
	if os.Getenv("CI") == "true" {
		return &Progress{bar: progressbar.NewOptions(total, progressbar.OptionSetVisibility(false))}
	}

	return &Progress{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (p *Progress) StepStarted(ctx context.Context, step *runlog.Step) context.Context {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.bar.Describe(step.Group + ": " + step.Name)
	return ctx
}

func (p *Progress) StepFinished(_ context.Context, _ *runlog.Step) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.done++
	_ = p.bar.Add(1)
}

// Done returns the number of finished steps.
func (p *Progress) Done() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.done
}

// Finish removes the bar from the terminal.
func (p *Progress) Finish() {
	p.lock.Lock()
	defer p.lock.Unlock()
	_ = p.bar.Finish()
}
