// Package progress renders a single, continuously rewritten terminal
// line showing overall download percentage and per-connection transfer
// rates, polling a client.Client from a ticker goroutine independent of
// the scheduler.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/multimirror/multimirror/internal/conn"
)

var (
	percentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	rateStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// Source is the subset of *client.Client the reporter needs. Polling
// rather than subscribing keeps the reporter from ever touching
// scheduler-owned state directly.
type Source interface {
	FileSize() (size uint64, known bool)
	Connections() []*conn.Conn
}

// Reporter redraws one terminal line on an interval until stopped.
type Reporter struct {
	src      Source
	out      io.Writer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Reporter writing to out, polling src every interval. A
// zero interval defaults to 200ms.
func New(src Source, out io.Writer, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Reporter{
		src:      src,
		out:      out,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run redraws the line on each tick until Stop is called. Intended to
// run on its own goroutine; call Stop and it returns once the final
// redraw has been written.
func (r *Reporter) Run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.redraw()
		case <-r.stop:
			r.redraw()
			return
		}
	}
}

// Stop signals Run to draw one last time and exit, and blocks until it
// has.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reporter) redraw() {
	size, known := r.src.FileSize()
	conns := r.src.Connections()

	now := time.Now()
	var totalBytes int64
	var rates []string
	for _, cn := range conns {
		_, bytes := cn.Stats.Snapshot()
		totalBytes += bytes
		rate := cn.Stats.RatePerSecond(now)
		if rate > 0 {
			rates = append(rates, formatRate(rate))
		}
	}

	var percent string
	if known && size > 0 {
		pct := float64(totalBytes) / float64(size) * 100
		if pct > 100 {
			pct = 100
		}
		percent = percentStyle.Render(fmt.Sprintf("%5.1f%%", pct))
	} else {
		percent = percentStyle.Render(" ??.?%")
	}

	aggregate := rateStyle.Render(formatRate(aggregateRate(totalBytes, conns, now)) + "/s")
	perConn := rateStyle.Render(strings.Join(rates, "+"))

	line := fmt.Sprintf("%s  %s", percent, aggregate)
	if perConn != "" {
		line += "  (" + perConn + "/s)"
	}

	fmt.Fprintf(r.out, "\x1B[0G\x1B[K%s", line)
}

// aggregateRate divides totalBytes (the byte count summed over every
// connection) by the time elapsed since the earliest connection start
// time, giving the single-number overall rate shown next to the
// percentage.
func aggregateRate(totalBytes int64, conns []*conn.Conn, now time.Time) float64 {
	var earliest time.Time
	for _, cn := range conns {
		start, _ := cn.Stats.Snapshot()
		if start.IsZero() {
			continue
		}
		if earliest.IsZero() || start.Before(earliest) {
			earliest = start
		}
	}
	if earliest.IsZero() {
		return 0
	}
	dt := now.Sub(earliest).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(totalBytes) / dt
}

// Done prints a final styled summary line: total bytes, elapsed time
// and average rate. Nothing in this module calls it.
func Done(out io.Writer, bytes uint64, elapsed time.Duration) {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(bytes) / elapsed.Seconds()
	}
	fmt.Fprintf(out, "\x1B[0G\x1B[K%s\n", doneStyle.Render(
		fmt.Sprintf("done: %s in %s (%s/s)", formatBytes(bytes), elapsed.Round(10*time.Millisecond), formatRate(rate))))
}

var binaryUnits = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// formatRate renders a bytes-per-second value with a binary-prefixed
// unit; exponents beyond the table collapse into EiB rather than
// growing the unit list.
func formatRate(bytesPerSec float64) string {
	return formatBinaryPrefixed(bytesPerSec)
}

// formatBytes renders an absolute byte count the same way.
func formatBytes(n uint64) string {
	return formatBinaryPrefixed(float64(n))
}

func formatBinaryPrefixed(v float64) string {
	if v < 1024 {
		return fmt.Sprintf("%.0f %s", v, binaryUnits[0])
	}
	exp := 0
	for v >= 1024 && exp < len(binaryUnits)-1 {
		v /= 1024
		exp++
	}
	return fmt.Sprintf("%.2f %s", v, binaryUnits[exp])
}
