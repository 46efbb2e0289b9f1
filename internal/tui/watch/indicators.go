package watch

import (
	"strings"
	"time"
)

const activityDots = 5

// Activity lights up when an outcome arrives and fades over the next ten
// seconds, so a quiet render host is visible at a glance.
type Activity struct {
	lit  int
	last time.Time
}

func (a *Activity) OnOutcome(at time.Time) {
	a.lit = activityDots
	a.last = at
}

// Decay dims one dot for every two seconds since the last outcome.
func (a *Activity) Decay(now time.Time) {
	if a.lit == 0 {
		return
	}
	a.lit = max(activityDots-int(now.Sub(a.last)/(2*time.Second)), 0)
}

func (a Activity) Last() time.Time { return a.last }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.lit {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}
