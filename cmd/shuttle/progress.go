package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/framewright/shuttle/internal/logging"
	"github.com/framewright/shuttle/internal/telemetry"
)

// progressPrinter renders live batch progress on stderr. On a terminal it
// redraws a single status line in place; on pipes it prints a plain line
// every few seconds so logs stay readable.
type progressPrinter struct {
	w          io.Writer
	isTTY      bool
	width      int
	plainEvery time.Duration

	sub  *telemetry.Subscription
	quit chan struct{}
	done chan struct{}
}

func startProgress(emitter *telemetry.Emitter, batchID string, w io.Writer, isTTY bool) *progressPrinter {
	p := &progressPrinter{
		w:          w,
		isTTY:      isTTY,
		width:      logging.TermWidth(os.Stderr.Fd()),
		plainEvery: 5 * time.Second,
		sub:        emitter.Hub().Subscribe(batchID, 16),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

// stop cancels the subscription and waits for the final render. Cancel does
// not close the record channel, so the printer needs its own quit signal.
func (p *progressPrinter) stop() {
	p.sub.Cancel()
	close(p.quit)
	<-p.done
}

func (p *progressPrinter) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.plainEvery)
	defer ticker.Stop()

	var last telemetry.Record
	for {
		select {
		case rec := <-p.sub.C:
			last = rec
			if p.isTTY {
				p.renderLine(rec)
			}
		case <-ticker.C:
			if !p.isTTY && last.BatchID != "" {
				p.renderPlain(last)
			}
		case <-p.quit:
			// Drain whatever the hub buffered so the closing render
			// shows the newest record, not a stale one.
			for {
				select {
				case rec := <-p.sub.C:
					last = rec
				default:
					if p.isTTY && last.BatchID != "" {
						p.renderLine(last)
						fmt.Fprintln(p.w)
					}
					return
				}
			}
		}
	}
}

func (p *progressPrinter) renderLine(rec telemetry.Record) {
	line := fmt.Sprintf("%5.1f%%  %d/%d files  %s",
		rec.Percentage, rec.FilesProcessed, rec.TotalFiles, rec.CurrentFile)
	if p.width > 1 {
		line = clip(line, p.width-1)
	}
	fmt.Fprintf(p.w, "\r%-*s", p.width-1, line)
}

func (p *progressPrinter) renderPlain(rec telemetry.Record) {
	fmt.Fprintf(p.w, "progress: %.1f%% %d/%d files %s\n",
		rec.Percentage, rec.FilesProcessed, rec.TotalFiles, rec.CurrentFile)
}

// clip truncates s to at most max runes.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// formatBytes renders a byte count in binary units, e.g. "1.5 MiB".
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
