// Package types defines the shared types used across all Exastream packages.
//
// These types form the lingua franca between the ingress, orchestrator,
// segmenter, TTS coordinator, and broker. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// EventKind classifies a TextEvent on the client channel.
type EventKind string

const (
	// TranscriptPartial is an interim transcript in the source language.
	TranscriptPartial EventKind = "TRANSCRIPT_PARTIAL"

	// TranscriptFinal is a terminal transcript for a turn.
	TranscriptFinal EventKind = "TRANSCRIPT_FINAL"

	// TranslationPartial is an interim translation in the target language.
	TranslationPartial EventKind = "TRANSLATION_PARTIAL"

	// TranslationFinal is a terminal translation for a turn.
	TranslationFinal EventKind = "TRANSLATION_FINAL"
)

// IsFinal reports whether k terminates a turn.
func (k EventKind) IsFinal() bool {
	return k == TranscriptFinal || k == TranslationFinal
}

// IsTranslation reports whether k carries translated text.
func (k EventKind) IsTranslation() bool {
	return k == TranslationPartial || k == TranslationFinal
}

// TextEvent is a single normalized text result emitted by the orchestrator.
// SeqID is strictly increasing per session; consumers drop any event with
// SeqID lower than the latest seen to tolerate out-of-order delivery over
// concurrent channels.
type TextEvent struct {
	// SeqID is the session-scoped monotonic sequence number.
	SeqID int64

	// TurnID identifies the provider turn this event belongs to.
	TurnID string

	// Kind classifies the event.
	Kind EventKind

	// OriginalText is the raw source-language text, cumulative for the turn.
	OriginalText string

	// CorrectedText is the grammar-corrected source text when the provider
	// supplies one. Empty otherwise. Corrected replaces raw for display;
	// history stores corrected when present.
	CorrectedText string

	// TranslatedText is the target-language text. In transcription-only mode
	// it equals OriginalText.
	TranslatedText string

	// TargetLang is the ISO-639-1 shortcode of the translation target.
	TargetLang string

	// IsForced marks a final produced by a forced flush (client audio_end or
	// provider forceFinal) rather than a natural turn boundary.
	IsForced bool

	// Timestamp is when the provider produced the underlying result.
	Timestamp time.Time
}

// Segment is a unit of committed text with a stable identifier — the unit of
// history and of TTS synthesis. SegmentID is stable across versions; Version
// increases when a late-arriving translation replaces a fallback.
type Segment struct {
	// ID is the stable segment identifier.
	ID string

	// Text is the committed, deduplicated text.
	Text string

	// SourceSeqID is the SeqID of the TextEvent this segment was cut from.
	SourceSeqID int64

	// Version starts at 1 and increments when a translation arrival replaces
	// a fallback where TranslatedText equalled OriginalText.
	Version int

	// IsForcedFinal marks segments cut by a forced flush; they may be
	// incomplete sentences and display handling is left to the UI.
	IsForcedFinal bool

	// SourceLang and TargetLang are ISO-639-1 shortcodes.
	SourceLang string
	TargetLang string

	// CommittedAt is when the segmenter committed this segment.
	CommittedAt time.Time
}

// AudioChunk is one decoded speaker audio frame with the timing metadata the
// client attached to it. Data is raw PCM (s16le mono); the metadata survives
// buffering so late replays keep the client's timeline.
type AudioChunk struct {
	// Data is the raw PCM payload.
	Data []byte

	// Index is the client's running chunk counter.
	Index int

	// StartMs and EndMs bound the chunk on the client's capture clock.
	StartMs int64
	EndMs   int64

	// ClientTimestamp is the client wall-clock send time in Unix millis.
	ClientTimestamp int64
}

// JobStatus is the lifecycle state of a TTS job.
type JobStatus int

const (
	// JobPending is waiting in the synthesis queue.
	JobPending JobStatus = iota

	// JobSynthesizing has an in-flight provider request.
	JobSynthesizing

	// JobAudioReady has synthesized audio waiting in the playback queue.
	JobAudioReady

	// JobPlaying is being streamed to listeners. At most one job per session
	// is in this state at any time.
	JobPlaying

	// JobDone finished playback.
	JobDone

	// JobFailed was abandoned after a synthesis or playback error.
	JobFailed
)

// String returns the wire name of the status.
func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobSynthesizing:
		return "synthesizing"
	case JobAudioReady:
		return "audio_ready"
	case JobPlaying:
		return "playing"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionMode selects between translation and transcription pipelines.
type SessionMode string

const (
	// ModeTranslate recognizes source-language speech and translates it.
	ModeTranslate SessionMode = "translate"

	// ModeTranscribe recognizes speech without translation. Selected
	// automatically when source and target shortcodes are equal.
	ModeTranscribe SessionMode = "transcribe"
)

// TTSMode controls how the TTS coordinator interacts with listening.
type TTSMode string

const (
	// TTSPreaching keeps listening continuously; the playback queue drains
	// independently and new partials never cancel current audio.
	TTSPreaching TTSMode = "preaching"

	// TTSConversation pauses listening during playback and resumes when the
	// current job's playback ends.
	TTSConversation TTSMode = "conversation"

	// TTSTextOnly disables the TTS pipeline; segments go only to the text
	// channel.
	TTSTextOnly TTSMode = "text-only"
)

// IsValid reports whether m is a recognised TTS mode.
func (m TTSMode) IsValid() bool {
	switch m {
	case TTSPreaching, TTSConversation, TTSTextOnly:
		return true
	}
	return false
}

// Audio codec names used in negotiation and frame metadata.
const (
	CodecMP3  = "mp3"
	CodecOpus = "opus"
)

// VoiceProfile describes a TTS voice available for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// LanguageCodes lists the full locales this voice supports
	// (e.g., "es-ES", "cmn-CN").
	LanguageCodes []string

	// Tier is the plan tier required to use this voice ("standard",
	// "premium"). Empty means available to all tiers.
	Tier string
}
