// Package progress provides a unified interface for progress reporting
// across CLI (progress bars) and GUI (event bus) modes.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale-labs/accountbridge/internal/events"
)

// Reporter is the interface for reporting progress in both CLI and GUI modes.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements progress reporting for CLI mode using progress bars.
type CLIProgress struct {
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a new CLI progress reporter.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// GUIProgress implements progress reporting for GUI mode using event bus.
type GUIProgress struct {
	eventBus *events.EventBus
	taskID   string
	name     string
	total    int64
	current  int64
}

// NewGUIProgress creates a new GUI progress reporter. taskID identifies the
// single-account transfer task this reporter tracks; name is the display
// name (e.g. filename) carried on every published event.
func NewGUIProgress(eventBus *events.EventBus, taskID, name string) *GUIProgress {
	return &GUIProgress{
		eventBus: eventBus,
		taskID:   taskID,
		name:     name,
	}
}

func (p *GUIProgress) publish(eventType events.EventType, progress float64) {
	p.eventBus.Publish(&events.TransferEvent{
		BaseEvent: events.BaseEvent{EventType: eventType, Time: time.Now()},
		TaskID:    p.taskID,
		Name:      p.name,
		Size:      p.total,
		Progress:  progress,
	})
}

// Start initializes progress tracking.
func (p *GUIProgress) Start(total int64, description string) {
	p.total = total
	p.current = 0
	p.name = description
	p.publish(events.EventTransferStarted, 0)
}

// Update publishes progress update to event bus.
func (p *GUIProgress) Update(current int64) {
	p.current = current
	progress := 0.0
	if p.total > 0 {
		progress = float64(current) / float64(p.total)
	}
	p.publish(events.EventTransferProgress, progress)
}

// Finish publishes completion event.
func (p *GUIProgress) Finish() {
	p.current = p.total
	p.publish(events.EventTransferCompleted, 1.0)
}

// Error publishes error event.
func (p *GUIProgress) Error(err error) {
	if err == nil {
		return
	}
	p.eventBus.Publish(&events.TransferEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTransferFailed, Time: time.Now()},
		TaskID:    p.taskID,
		Name:      p.name,
		Error:     err,
	})
}

// SetDescription updates the display name used on subsequent events.
func (p *GUIProgress) SetDescription(desc string) {
	p.name = desc
}

// NoOpProgress is a progress reporter that does nothing (for background/silent operations).
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

// Start does nothing.
func (p *NoOpProgress) Start(total int64, description string) {}

// Update does nothing.
func (p *NoOpProgress) Update(current int64) {}

// Finish does nothing.
func (p *NoOpProgress) Finish() {}

// Error does nothing.
func (p *NoOpProgress) Error(err error) {}

// SetDescription does nothing.
func (p *NoOpProgress) SetDescription(desc string) {}

// ProgressReader wraps an io.Reader to report progress.
type ProgressReader struct {
	reader   io.Reader
	reporter Reporter
	total    int64
	current  int64
}

// NewProgressReader creates a new progress-reporting reader.
func NewProgressReader(reader io.Reader, total int64, reporter Reporter) *ProgressReader {
	return &ProgressReader{
		reader:   reader,
		reporter: reporter,
		total:    total,
		current:  0,
	}
}

// Read implements io.Reader interface with progress reporting.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	pr.reporter.Update(pr.current)
	return n, err
}
