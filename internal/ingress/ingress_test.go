package ingress_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/exalang/exastream/internal/ingress"
	"github.com/exalang/exastream/pkg/provider/tts"
	ttsmock "github.com/exalang/exastream/pkg/provider/tts/mock"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

type fakeEmitter struct {
	mu   sync.Mutex
	msgs []any
}

func (e *fakeEmitter) Send(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *fakeEmitter) all() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.msgs...)
}

type fakeSession struct {
	audio    []types.AudioChunk
	audioEnd int
	langs    [][2]string
}

func (s *fakeSession) SendAudio(chunk types.AudioChunk) { s.audio = append(s.audio, chunk) }
func (s *fakeSession) AudioEnd()                        { s.audioEnd++ }
func (s *fakeSession) UpdateLanguages(src, tgt string) {
	s.langs = append(s.langs, [2]string{src, tgt})
}

type fakeQueue struct {
	stops, pauses, resumes int
	synthErr               error
}

func (q *fakeQueue) Stop()   { q.stops++ }
func (q *fakeQueue) Pause()  { q.pauses++ }
func (q *fakeQueue) Resume() { q.resumes++ }
func (q *fakeQueue) SynthesizeOnce(_ context.Context, text, _ string) (*tts.SynthesisResult, error) {
	if q.synthErr != nil {
		return nil, q.synthErr
	}
	return &tts.SynthesisResult{Audio: []byte("audio:" + text), DurationMs: 100, SampleRate: 24000, Codec: types.CodecMP3}, nil
}

func TestRouter_AudioDecodedAndForwarded(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	r := ingress.NewRouter(ingress.Config{Session: sess})

	payload := base64.StdEncoding.EncodeToString([]byte("pcm-bytes"))
	r.HandleMessage(context.Background(), []byte(`{"type":"audio","audioData":"`+payload+`"}`))

	if len(sess.audio) != 1 || string(sess.audio[0].Data) != "pcm-bytes" {
		t.Fatalf("forwarded audio = %v", sess.audio)
	}
}

func TestRouter_AudioKeepsChunkMetadata(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	r := ingress.NewRouter(ingress.Config{Session: sess})

	payload := base64.StdEncoding.EncodeToString([]byte("pcm"))
	r.HandleMessage(context.Background(), []byte(
		`{"type":"audio","audioData":"`+payload+`","chunkIndex":7,"startMs":1400,"endMs":1600,"clientTimestamp":1700000000000}`))

	if len(sess.audio) != 1 {
		t.Fatalf("forwarded chunks = %d, want 1", len(sess.audio))
	}
	chunk := sess.audio[0]
	if chunk.Index != 7 || chunk.StartMs != 1400 || chunk.EndMs != 1600 || chunk.ClientTimestamp != 1700000000000 {
		t.Errorf("chunk metadata = %+v", chunk)
	}
}

func TestRouter_BadBase64YieldsWarning(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{Session: sess, Emitter: emitter})

	r.HandleMessage(context.Background(), []byte(`{"type":"audio","audioData":"%%%not-base64%%%"}`))

	if len(sess.audio) != 0 {
		t.Error("malformed audio reached the session")
	}
	msgs := emitter.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 warning", len(msgs))
	}
	w, ok := msgs[0].(wire.Warning)
	if !ok || w.Code != wire.CodeProtocolError {
		t.Errorf("reply = %+v, want protocol warning", msgs[0])
	}
}

func TestRouter_UnknownTypeYieldsWarningNotDisconnect(t *testing.T) {
	t.Parallel()

	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{Emitter: emitter})

	r.HandleMessage(context.Background(), []byte(`{"type":"bogus"}`))
	r.HandleMessage(context.Background(), []byte(`not json at all`))

	msgs := emitter.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 warnings", len(msgs))
	}
	for _, m := range msgs {
		if w, ok := m.(wire.Warning); !ok || w.Code != wire.CodeProtocolError {
			t.Errorf("reply = %+v, want protocol warning", m)
		}
	}
}

func TestRouter_InitInvokesCallback(t *testing.T) {
	t.Parallel()

	var got wire.Init
	r := ingress.NewRouter(ingress.Config{OnInit: func(init wire.Init) { got = init }})

	r.HandleMessage(context.Background(), []byte(`{"type":"init","sourceLang":"en","targetLang":"es","ttsMode":"conversation"}`))

	if got.SourceLang != "en" || got.TargetLang != "es" || got.TTSMode != "conversation" {
		t.Errorf("init = %+v", got)
	}
}

func TestRouter_TTSControlsAcked(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{TTS: q, Emitter: emitter})

	for _, typ := range []string{"tts/start", "tts/stop", "tts/pause", "tts/resume"} {
		r.HandleMessage(context.Background(), []byte(`{"type":"`+typ+`"}`))
	}

	if q.stops != 1 || q.pauses != 1 || q.resumes != 2 {
		t.Errorf("queue calls: stops=%d pauses=%d resumes=%d", q.stops, q.pauses, q.resumes)
	}
	var actions []string
	for _, m := range emitter.all() {
		if ack, ok := m.(wire.TTSAck); ok {
			actions = append(actions, ack.Action)
		}
	}
	want := []string{"start", "stop", "pause", "resume"}
	if len(actions) != len(want) {
		t.Fatalf("acks = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("ack %d = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestRouter_SynthesizeRepliesWithAudio(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{TTS: q, Emitter: emitter})

	r.HandleMessage(context.Background(), []byte(`{"type":"tts/synthesize","segmentId":"seg-9","text":"hola","languageCode":"es"}`))

	msgs := emitter.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	audio, ok := msgs[0].(wire.TTSAudio)
	if !ok {
		t.Fatalf("reply = %+v, want tts/audio", msgs[0])
	}
	if audio.SegmentID != "seg-9" {
		t.Errorf("segmentId = %q, want seg-9", audio.SegmentID)
	}
	want := base64.StdEncoding.EncodeToString([]byte("audio:hola"))
	if audio.Audio.BytesBase64 != want {
		t.Errorf("payload = %q, want %q", audio.Audio.BytesBase64, want)
	}
}

func TestRouter_SynthesizeReportsRouting(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{TTS: q, Emitter: emitter})
	r.SetRouting("elevenlabs", "lucia")

	r.HandleMessage(context.Background(), []byte(`{"type":"tts/synthesize","segmentId":"seg-9","text":"hola","languageCode":"es"}`))

	msgs := emitter.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want audio + routing", len(msgs))
	}
	routing, ok := msgs[1].(wire.TTSRouting)
	if !ok {
		t.Fatalf("second reply = %+v, want tts/routing", msgs[1])
	}
	if routing.Provider != "elevenlabs" || routing.VoiceName != "lucia" {
		t.Errorf("routing = %+v", routing)
	}
}

func TestRouter_SynthesizeFailureRepliesWithTTSError(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{synthErr: errors.New("backend down")}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{TTS: q, Emitter: emitter})

	r.HandleMessage(context.Background(), []byte(`{"type":"tts/synthesize","segmentId":"seg-9","text":"hola","languageCode":"es"}`))

	msgs := emitter.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	te, ok := msgs[0].(wire.TTSError)
	if !ok || te.SegmentID != "seg-9" || te.Code != wire.CodeProviderError {
		t.Errorf("reply = %+v, want tts/error for seg-9", msgs[0])
	}
}

func TestRouter_ListVoices(t *testing.T) {
	t.Parallel()

	catalog := &ttsmock.Provider{
		Voices: []types.VoiceProfile{
			{ID: "v1", Name: "Lucia", Provider: "elevenlabs", LanguageCodes: []string{"es-ES"}, Tier: "premium"},
		},
	}
	emitter := &fakeEmitter{}
	r := ingress.NewRouter(ingress.Config{
		Voices:       catalog,
		Emitter:      emitter,
		AllowedTiers: []string{"standard", "premium"},
		PlanCode:     "pro",
	})

	r.HandleMessage(context.Background(), []byte(`{"type":"tts/list_voices","languageCode":"es"}`))

	msgs := emitter.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	voices, ok := msgs[0].(wire.TTSVoices)
	if !ok {
		t.Fatalf("reply = %+v, want tts/voices", msgs[0])
	}
	if len(voices.Voices) != 1 || voices.Voices[0].ID != "v1" {
		t.Errorf("voices = %+v", voices.Voices)
	}
	if voices.PlanCode != "pro" || len(voices.AllowedTiers) != 2 {
		t.Errorf("plan fields = %+v", voices)
	}
	if got := catalog.ListVoicesCalls; len(got) != 1 || got[0] != "es" {
		t.Errorf("catalog calls = %v", got)
	}
}

func TestRouter_VisibilityCallback(t *testing.T) {
	t.Parallel()

	var states []bool
	r := ingress.NewRouter(ingress.Config{OnVisibility: func(hidden bool) { states = append(states, hidden) }})

	r.HandleMessage(context.Background(), []byte(`{"type":"client_hidden"}`))
	r.HandleMessage(context.Background(), []byte(`{"type":"client_visible"}`))

	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("visibility states = %v, want [true false]", states)
	}
}

func TestRouter_AudioEndForwarded(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	r := ingress.NewRouter(ingress.Config{Session: sess})

	r.HandleMessage(context.Background(), []byte(`{"type":"audio_end"}`))
	if sess.audioEnd != 1 {
		t.Errorf("audioEnd calls = %d, want 1", sess.audioEnd)
	}
}
