package segment

import "strings"

// Corrector merges grammar-corrected partials into a flicker-stable display
// text. Providers interleave corrected and raw partials for the same turn;
// without merging, the display flips between the corrected and raw forms on
// every update.
//
// Corrector is not safe for concurrent use; it is owned by a single session
// task.
type Corrector struct {
	// longestCorrected is the best corrected text seen this turn, and
	// longestOriginal the raw text it corresponds to.
	longestCorrected string
	longestOriginal  string
}

// Observe folds one partial into the merged view and returns the display
// text. corrected is empty when the event carried only raw text.
func (c *Corrector) Observe(original, corrected string) string {
	if corrected != "" {
		if len(original) >= len(c.longestOriginal) {
			c.longestCorrected = corrected
			c.longestOriginal = original
		}
		return corrected
	}
	if c.longestOriginal == "" {
		return original
	}

	switch {
	case strings.HasPrefix(original, c.longestOriginal):
		// Raw text extends the corrected region: splice the new suffix onto
		// the corrected prefix.
		return c.longestCorrected + original[len(c.longestOriginal):]
	case len(original)*2 > len(c.longestOriginal)*3:
		// Grown past 1.5x the corrected region without sharing its prefix:
		// the provider restarted the turn text.
		c.Reset()
		return original
	case strings.HasPrefix(c.longestOriginal, original):
		// Raw text shrank to a prefix of the corrected region; keep the
		// merged view.
		return c.longestCorrected
	default:
		c.Reset()
		return original
	}
}

// Reset clears the merged state. Call on turn end or language change.
func (c *Corrector) Reset() {
	c.longestCorrected = ""
	c.longestOriginal = ""
}

// minFinalMergeOverlap is the smallest character overlap accepted when
// splicing a final onto a longer partial.
const minFinalMergeOverlap = 20

// MergeFinalWithPartial reconciles a FINAL whose text is shorter than the
// latest PARTIAL. Providers sometimes finalize a turn before re-emitting the
// tail that the last partial already showed; dropping to the shorter final
// would lose visible text.
//
// Rules, in order: a final that already extends the partial wins; a partial
// that extends the final wins; otherwise the longest prefix of the partial
// (at least minFinalMergeOverlap bytes) found as a suffix of the final is
// used as the splice point. With no usable overlap the final wins.
func MergeFinalWithPartial(partial, final string) string {
	if partial == "" || final == "" {
		return final
	}
	if strings.HasPrefix(final, partial) {
		return final
	}
	if strings.HasPrefix(partial, final) {
		return partial
	}
	max := len(partial)
	if max > len(final) {
		max = len(final)
	}
	for n := max; n >= minFinalMergeOverlap; n-- {
		if strings.HasSuffix(final, partial[:n]) {
			return final + partial[n:]
		}
	}
	return final
}
