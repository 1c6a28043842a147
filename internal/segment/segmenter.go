// Package segment converts the orchestrator's stream of cumulative partial
// texts and finals into a flicker-stable live display and a sequence of
// committed segments suitable for history and TTS.
//
// The central difficulty is that upstream providers re-emit text: partials
// are cumulative for the turn, finals can repeat words from the previous
// final, and grammar corrections rewrite prefixes that were already shown.
// The segmenter owns a flushed-prefix memory per turn and a word-level
// overlap strip across finals so committed history keeps at-most-once
// semantics.
package segment

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/exalang/exastream/pkg/types"
)

// Default flush thresholds. Backlog values apply while the backlog detector
// is active.
const (
	DefaultMaxSentences = 10
	DefaultMaxChars     = 2000
	DefaultMaxInterval  = 15 * time.Second

	DefaultBacklogMaxSentences = 3
	DefaultBacklogMaxChars     = 800
	DefaultBacklogMaxInterval  = 3 * time.Second

	// DefaultFinalExtendWindow bounds how old the last partial may be for a
	// final to be treated as its extension.
	DefaultFinalExtendWindow = 5 * time.Second

	// DefaultOverlapWindow bounds how old the previous final may be for
	// overlap stripping to apply.
	DefaultOverlapWindow = 5 * time.Second

	// DefaultMaxOverlapWords caps the word sequence considered by a single
	// overlap-strip pass.
	DefaultMaxOverlapWords = 10
)

// Config tunes a Segmenter. Zero values select the defaults above.
type Config struct {
	SourceLang string
	TargetLang string

	MaxSentences int
	MaxChars     int
	MaxInterval  time.Duration

	BacklogMaxSentences int
	BacklogMaxChars     int
	BacklogMaxInterval  time.Duration

	FinalExtendWindow time.Duration
	OverlapWindow     time.Duration
	MaxOverlapWords   int

	// Now overrides the clock. Tests inject a fake.
	Now func() time.Time

	// NewID overrides segment id generation.
	NewID func() string
}

func (c *Config) applyDefaults() {
	if c.MaxSentences == 0 {
		c.MaxSentences = DefaultMaxSentences
	}
	if c.MaxChars == 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.BacklogMaxSentences == 0 {
		c.BacklogMaxSentences = DefaultBacklogMaxSentences
	}
	if c.BacklogMaxChars == 0 {
		c.BacklogMaxChars = DefaultBacklogMaxChars
	}
	if c.BacklogMaxInterval == 0 {
		c.BacklogMaxInterval = DefaultBacklogMaxInterval
	}
	if c.FinalExtendWindow == 0 {
		c.FinalExtendWindow = DefaultFinalExtendWindow
	}
	if c.OverlapWindow == 0 {
		c.OverlapWindow = DefaultOverlapWindow
	}
	if c.MaxOverlapWords == 0 {
		c.MaxOverlapWords = DefaultMaxOverlapWords
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Update is the outcome of feeding one event to the Segmenter.
type Update struct {
	// Display is the live, uncommitted text of the current turn.
	Display string

	// HistoryDelta is the text the client appends to its history view. It
	// differs from the committed segment text when a final extends an
	// already-displayed partial.
	HistoryDelta string

	// Committed holds segments cut by this event, in order.
	Committed []types.Segment
}

// Segmenter is the per-session sentence segmenter and deduplicator. It is
// owned by a single session task and is not safe for concurrent use.
type Segmenter struct {
	cfg     Config
	backlog backlogDetector

	// turnFlushed is the prefix of the current turn's cumulative text that
	// has already been committed.
	turnFlushed string
	lastFlushAt time.Time

	lastPartialText string
	lastPartialAt   time.Time

	lastFinalText string
	lastFinalAt   time.Time
}

// New returns a Segmenter with defaults applied.
func New(cfg Config) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{cfg: cfg}
}

// OnPartial feeds one cumulative partial text for the current turn.
func (s *Segmenter) OnPartial(text string, seqID int64) Update {
	now := s.cfg.Now()
	if s.lastFlushAt.IsZero() {
		s.lastFlushAt = now
	}

	growth := len(text) - len(s.lastPartialText)
	if growth < 0 {
		growth = 0
	}
	s.lastPartialText = text
	s.lastPartialAt = now

	live := s.liveOf(text)
	s.backlog.observe(now, growth, len(live))

	maxSentences, maxChars, maxInterval := s.thresholds()
	flushEnd, count := completeSentences(live)

	var up Update
	if flushEnd > 0 &&
		(count >= maxSentences || len(live) >= maxChars || now.Sub(s.lastFlushAt) >= maxInterval) {
		prefix := live[:flushEnd]
		seg := s.commit(strings.TrimSpace(prefix), seqID, false, now)
		up.Committed = append(up.Committed, seg)
		up.HistoryDelta = seg.Text
		s.turnFlushed += prefix
		live = live[flushEnd:]
		s.lastFlushAt = now
	}
	up.Display = live
	return up
}

// OnFinal feeds a terminal text for the turn and closes it. forced marks
// finals produced by a forced flush (client audio_end or provider-side
// interruption); their segments may be incomplete sentences.
func (s *Segmenter) OnFinal(text string, seqID int64, forced bool) Update {
	now := s.cfg.Now()

	// A final can arrive shorter than the partial the user already saw;
	// splice the lost tail back on.
	if s.lastPartialText != "" && now.Sub(s.lastPartialAt) <= s.cfg.FinalExtendWindow {
		text = MergeFinalWithPartial(s.lastPartialText, text)
	}

	// Drop a final identical to the previous one.
	if text != "" && text == s.lastFinalText && now.Sub(s.lastFinalAt) <= s.cfg.OverlapWindow {
		return s.endTurn(Update{}, now)
	}

	// Strip words re-emitted from the previous final.
	if s.lastFinalText != "" && now.Sub(s.lastFinalAt) <= s.cfg.OverlapWindow {
		text = StripOverlap(s.lastFinalText, text, s.cfg.MaxOverlapWords)
	}

	live := s.liveOf(text)

	// Final-extension: when the final extends the last partial, history only
	// gains the new suffix; the committed segment still carries the full
	// text.
	historyDelta := live
	if s.lastPartialText != "" &&
		now.Sub(s.lastPartialAt) <= s.cfg.FinalExtendWindow &&
		strings.HasPrefix(text, s.lastPartialText) {
		historyDelta = text[len(s.lastPartialText):]
	}

	up := Update{HistoryDelta: historyDelta}
	if trimmed := strings.TrimSpace(live); trimmed != "" {
		up.Committed = []types.Segment{s.commit(trimmed, seqID, forced, now)}
	}

	s.lastFinalText = text
	s.lastFinalAt = now
	return s.endTurn(up, now)
}

// Reset discards all state. Processing after Reset behaves exactly like a
// fresh Segmenter.
func (s *Segmenter) Reset() {
	s.backlog.reset()
	s.turnFlushed = ""
	s.lastFlushAt = time.Time{}
	s.lastPartialText = ""
	s.lastPartialAt = time.Time{}
	s.lastFinalText = ""
	s.lastFinalAt = time.Time{}
}

// BacklogActive reports whether tightened thresholds are in effect.
func (s *Segmenter) BacklogActive() bool { return s.backlog.Active() }

// liveOf subtracts the turn's flushed prefix from cumulative text. When the
// provider rewrote the turn so the flushed prefix no longer matches, the
// memory is dropped rather than re-committing a guessed remainder.
func (s *Segmenter) liveOf(text string) string {
	if s.turnFlushed == "" {
		return text
	}
	if strings.HasPrefix(text, s.turnFlushed) {
		return text[len(s.turnFlushed):]
	}
	s.turnFlushed = ""
	return text
}

func (s *Segmenter) thresholds() (sentences, chars int, interval time.Duration) {
	if s.backlog.Active() {
		return s.cfg.BacklogMaxSentences, s.cfg.BacklogMaxChars, s.cfg.BacklogMaxInterval
	}
	return s.cfg.MaxSentences, s.cfg.MaxChars, s.cfg.MaxInterval
}

func (s *Segmenter) commit(text string, seqID int64, forced bool, now time.Time) types.Segment {
	return types.Segment{
		ID:            s.cfg.NewID(),
		Text:          text,
		SourceSeqID:   seqID,
		Version:       1,
		IsForcedFinal: forced,
		SourceLang:    s.cfg.SourceLang,
		TargetLang:    s.cfg.TargetLang,
		CommittedAt:   now,
	}
}

func (s *Segmenter) endTurn(up Update, now time.Time) Update {
	s.turnFlushed = ""
	s.lastPartialText = ""
	s.lastFlushAt = now
	return up
}

// Sentence terminators. The CJK forms are boundaries on their own; the Latin
// forms require trailing whitespace or end-of-string so abbreviations and
// decimals do not split.
func isLatinTerminator(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '…'
}

func isCJKTerminator(r rune) bool {
	return r == '。' || r == '！' || r == '？' || r == '．'
}

// completeSentences scans s and returns the byte offset just past the last
// complete sentence (including any trailing whitespace) and the number of
// complete sentences. A zero flushEnd means no complete sentence.
func completeSentences(s string) (flushEnd, count int) {
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		next := i + size
		switch {
		case isCJKTerminator(r):
			count++
			flushEnd = skipSpace(s, next)
		case isLatinTerminator(r):
			nr, _ := utf8.DecodeRuneInString(s[next:])
			if next >= len(s) || nr == ' ' || nr == '\t' || nr == '\n' || nr == '\r' {
				count++
				flushEnd = skipSpace(s, next)
			}
		}
		i = next
	}
	return flushEnd, count
}

// skipSpace returns the offset of the first non-whitespace byte at or after i.
func skipSpace(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			break
		}
		i += size
	}
	return i
}
