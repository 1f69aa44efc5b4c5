package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/persistence"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

const progressBarWidth = 30

// progressPrinter redraws a single progress line in place.
type progressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	lastLen int
	printed bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) update(progress connectors.UploadProgress) {
	line := progressLine(progress)

	p.mu.Lock()
	defer p.mu.Unlock()

	pad := ""
	if n := p.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
	p.lastLen = len(line)
	p.printed = true
}

func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.printed {
		fmt.Fprintln(p.out)
	}
	p.printed = false
	p.lastLen = 0
}

func progressLine(p connectors.UploadProgress) string {
	percent := p.Percent
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}
	filled := int(percent / 100 * progressBarWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled)

	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = p.Phase
	}
	if status == "" {
		return fmt.Sprintf("[%s] %3.0f%%", bar, percent)
	}

	return fmt.Sprintf("[%s] %3.0f%% %s", bar, percent, status)
}

func formatStatus(status connectors.ConnectionStatus) string {
	var b strings.Builder
	b.WriteString(string(status.State))
	if status.TransportName != "" {
		b.WriteString(" ")
		b.WriteString(status.TransportName)
	}
	if status.Target != "" {
		b.WriteString(" ")
		b.WriteString(status.Target)
	}
	if status.Err != "" {
		b.WriteString(" (error: ")
		b.WriteString(status.Err)
		b.WriteString(")")
	}

	return b.String()
}

func formatReading(r connectors.SensorReading) string {
	name := r.Sensor
	if r.Pin != "" {
		name += "/" + r.Pin
	}

	return fmt.Sprintf("%s %s = %g", formatClock(r.At), name, r.Value)
}

func formatAck(a connectors.DeviceAck) string {
	if a.Message == "" {
		return fmt.Sprintf("%s ack %s", formatClock(a.At), a.Ack)
	}

	return fmt.Sprintf("%s ack %s: %s", formatClock(a.At), a.Ack, a.Message)
}

func formatTransfer(t persistence.Transfer) string {
	result := "ok"
	if !t.Succeeded() {
		result = "failed: " + t.Error
	}
	target := t.Connector
	if t.Target != "" {
		target += " " + t.Target
	}
	size := ""
	if t.Lines > 0 || t.Bytes > 0 {
		size = fmt.Sprintf(" %d lines %d B", t.Lines, t.Bytes)
	}

	return fmt.Sprintf("%s %-8s %s%s in %s, %s",
		formatTime(t.StartedAt), t.Kind, target, size, t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond), result)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format("2006-01-02 15:04:05")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}

	return t.Local().Format("15:04:05.000")
}

func vidPID(p transport.SerialPortInfo) string {
	if p.VID == "" && p.PID == "" {
		return "-"
	}

	return p.VID + ":" + p.PID
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}

	return "no"
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}

	return v
}
