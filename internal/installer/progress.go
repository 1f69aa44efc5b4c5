package installer

import "math"

// inProgressCeiling is the highest percent reported before the writer has
// been closed.
const inProgressCeiling = 99

type progressTracker struct {
	fn      func(Progress)
	base    float64
	total   int
	written int
	last    float64
	text    string
}

func newProgressTracker(base float64, fn func(Progress)) *progressTracker {
	return &progressTracker{fn: fn, base: base, last: base}
}

// line counts one written source line and reports the new share.
func (p *progressTracker) line(status string) {
	p.written++
	share := 0.0
	if p.total > 0 {
		share = float64(p.written) / float64(p.total)
	}
	p.report(p.base+share*(100-p.base), status)
}

func (p *progressTracker) status(status string) {
	p.report(p.last, status)
}

func (p *progressTracker) report(percent float64, status string) {
	percent = math.Min(percent, inProgressCeiling)
	// Never go backwards.
	percent = math.Max(percent, p.last)
	if percent == p.last && status == p.text && p.text != "" {
		return
	}
	p.last = percent
	p.text = status
	if p.fn != nil {
		p.fn(Progress{Percent: percent, Status: status})
	}
}

func (p *progressTracker) complete(status string) {
	p.last = 100
	p.text = status
	if p.fn != nil {
		p.fn(Progress{Percent: 100, Status: status})
	}
}
