package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/beamlink/beamlink/internal/util"
)

// TransferProgress renders a single-file progress line that is updated
// in place as percent callbacks arrive from the transfer engine.
type TransferProgress struct {
	mu        sync.Mutex
	bar       progress.Model
	name      string
	total     int64
	current   int64
	startTime time.Time
	started   bool
	finished  bool
}

// NewTransferProgress creates a progress line for one file.
func NewTransferProgress(name string, total int64) *TransferProgress {
	bar := progress.New(
		progress.WithGradient(ProgressStart, ProgressEnd),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)
	return &TransferProgress{
		bar:   bar,
		name:  name,
		total: total,
	}
}

// Update records transferred bytes and redraws the line.
func (p *TransferProgress) Update(current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started && current > 0 {
		p.started = true
		p.startTime = time.Now()
	}
	p.current = current
	p.render()
}

// Finish pins the bar at 100% and moves to the next line.
func (p *TransferProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	p.finished = true
	p.current = p.total
	p.render()
	fmt.Println()
}

func (p *TransferProgress) render() {
	percent := 1.0
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total)
	}

	speed := ""
	if p.started {
		elapsed := time.Since(p.startTime).Seconds()
		if elapsed > 0 {
			speed = util.FormatSpeed(float64(p.current) / elapsed)
		}
	}

	name := util.TruncateString(p.name, 30)
	fmt.Printf("\r%s %s %s %s %s",
		IconFile,
		BoldStyle.Render(name),
		p.bar.ViewAs(percent),
		MutedStyle.Render(fmt.Sprintf("%3.0f%%", percent*100)),
		MutedStyle.Render(speed),
	)
}
