package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every refresh so a frozen view is visible.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Pulse lights up when the job list changes and fades over ten seconds.
type Pulse struct {
	dots       int
	lastChange time.Time
}

func (p *Pulse) OnChange(now time.Time) {
	p.dots = 5
	p.lastChange = now
}

// Decay fades the dots, one per two seconds since the last change.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	left := 5 - int(now.Sub(p.lastChange)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < p.dots {
		p.dots = left
	}
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.dots {
			b.WriteString(theme.PulseActive.Render("●"))
		} else {
			b.WriteString(theme.PulseInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastChange() time.Time {
	return p.lastChange
}
