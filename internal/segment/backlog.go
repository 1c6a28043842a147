package segment

import "time"

// Backlog entry and exit thresholds. The detector watches partial arrival
// behavior and tells the segmenter when to tighten its flush thresholds so
// the live buffer cannot grow without bound during dense speech.
const (
	backlogWindow      = 10   // arrival timestamps tracked
	backlogEnterRate   = 5.0  // partials per second
	backlogEnterGrowth = 100  // chars added by a single update
	backlogEnterSize   = 1500 // cumulative live text size
	backlogExitSize    = 500
)

// backlogDetector tracks the arrival pattern of partials for one session.
// Not safe for concurrent use.
type backlogDetector struct {
	arrivals [backlogWindow]time.Time
	count    int
	next     int
	active   bool
}

// observe records one partial arrival and updates the backlog state.
// growth is the character delta of this update; size the cumulative live
// text size.
func (b *backlogDetector) observe(now time.Time, growth, size int) {
	b.arrivals[b.next] = now
	b.next = (b.next + 1) % backlogWindow
	if b.count < backlogWindow {
		b.count++
	}

	rate := b.rate(now)
	if !b.active {
		if rate > backlogEnterRate || growth > backlogEnterGrowth || size > backlogEnterSize {
			b.active = true
		}
		return
	}
	if size < backlogExitSize && rate <= backlogEnterRate {
		b.active = false
	}
}

// rate returns the arrival rate in partials per second over the tracked
// window, or zero until the window has filled.
func (b *backlogDetector) rate(now time.Time) float64 {
	if b.count < backlogWindow {
		return 0
	}
	oldest := b.arrivals[b.next]
	span := now.Sub(oldest)
	if span <= 0 {
		return backlogEnterRate + 1
	}
	return float64(b.count-1) / span.Seconds()
}

// Active reports whether backlog thresholds are in effect.
func (b *backlogDetector) Active() bool { return b.active }

// reset clears the detector.
func (b *backlogDetector) reset() {
	*b = backlogDetector{}
}
