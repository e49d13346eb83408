package watch

import (
	"strings"
	"time"
)

const pulseDots = 5

// Pulse lights up when an event arrives and fades one dot every two
// seconds of silence.
type Pulse struct {
	dots      int
	lastEvent time.Time
	now       func() time.Time
}

func NewPulse() Pulse {
	return Pulse{now: time.Now}
}

func (p *Pulse) OnEvent() {
	p.dots = pulseDots
	p.lastEvent = p.now()
}

// Decay recomputes the lit dots from the time since the last event.
func (p *Pulse) Decay() {
	if p.dots == 0 {
		return
	}
	faded := int(p.now().Sub(p.lastEvent) / (2 * time.Second))
	p.dots = max(pulseDots-faded, 0)
}

func (p Pulse) Dots() int { return p.dots }

func (p Pulse) LastEvent() time.Time { return p.lastEvent }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseDots {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
