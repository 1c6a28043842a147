// Package elevenlabs provides an ElevenLabs-backed TTS provider. Streaming
// synthesis uses the stream-input WebSocket API; unary synthesis and the
// voice catalogue use the HTTP API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	httpEndpointFmt  = "https://api.elevenlabs.io/v1/text-to-speech/%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
	defaultVoiceID   = "21m00Tcm4TlvDq8ikWAM"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithHTTPClient overrides the HTTP client used for unary requests and the
// voice catalogue.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text flushes the stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ---- Synthesize (unary) ----

// Synthesize performs a one-shot HTTP synthesis of req.Text.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.SynthesisResult, error) {
	if req.Text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	voiceID := req.Voice.ID
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	body, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"model_id": p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf(httpEndpointFmt, voiceID) +
		"?output_format=" + url.QueryEscape(p.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}

	codec, rate := codecOf(p.outputFormat)
	return &tts.SynthesisResult{
		Audio:      audio,
		SampleRate: rate,
		Codec:      codec,
	}, nil
}

// statusError maps an ElevenLabs error response onto the tts sentinels.
func (p *Provider) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := string(data)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if strings.Contains(detail, "quota_exceeded") {
			return fmt.Errorf("%w: %s", tts.ErrQuotaExceeded, detail)
		}
		return fmt.Errorf("%w: status %d", tts.ErrAuthFailed, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", tts.ErrQuotaExceeded, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: status %d", tts.ErrVoiceNotFound, resp.StatusCode)
	default:
		return fmt.Errorf("elevenlabs: unexpected status %d: %s", resp.StatusCode, detail)
	}
}

// ---- SynthesizeStream ----

// SynthesizeStream opens a stream-input WebSocket, sends req.Text, and
// returns a channel of encoded audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	if req.Text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	voiceID := req.Voice.ID
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voiceID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", tts.ErrNotConnected, err)
	}

	// BOI handshake: authenticate and configure the stream. ElevenLabs
	// requires a non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	codec, _ := codecOf(p.outputFormat)
	out := make(chan tts.Chunk, 64)

	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Send the text followed by the flush sentinel, then drain audio.
		msgBytes, _ := json.Marshal(textMessage{Text: req.Text + " "})
		if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
			out <- tts.Chunk{Err: fmt.Errorf("elevenlabs: send text: %w", err)}
			return
		}
		flushBytes, _ := json.Marshal(textMessage{Text: ""})
		if err := conn.Write(ctx, websocket.MessageText, flushBytes); err != nil {
			out <- tts.Chunk{Err: fmt.Errorf("elevenlabs: flush: %w", err)}
			return
		}

		index := 0
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// A normal close after isFinal is the expected end; anything
				// before it is a truncated stream.
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					out <- tts.Chunk{Index: index, Last: true, Codec: codec}
					return
				}
				out <- tts.Chunk{Err: fmt.Errorf("elevenlabs: read: %w", err)}
				return
			}

			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Error != "" {
				out <- tts.Chunk{Err: mapStreamError(resp.Error, resp.Message)}
				return
			}
			if resp.Audio != "" {
				data, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err == nil && len(data) > 0 {
					select {
					case out <- tts.Chunk{Index: index, Data: data, Codec: codec}:
						index++
					case <-ctx.Done():
						return
					}
				}
			}
			if resp.IsFinal {
				out <- tts.Chunk{Index: index, Last: true, Codec: codec}
				return
			}
		}
	}()

	return out, nil
}

// mapStreamError maps an in-band WebSocket error onto the tts sentinels.
func mapStreamError(code, message string) error {
	switch {
	case strings.Contains(code, "quota"):
		return fmt.Errorf("%w: %s", tts.ErrQuotaExceeded, message)
	case strings.Contains(code, "auth"), strings.Contains(code, "invalid_api_key"):
		return fmt.Errorf("%w: %s", tts.ErrAuthFailed, message)
	default:
		return fmt.Errorf("elevenlabs: %s: %s", code, message)
	}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID           string            `json:"voice_id"`
	Name              string            `json:"name"`
	Category          string            `json:"category"`
	Labels            map[string]string `json:"labels"`
	VerifiedLanguages []verifiedLang    `json:"verified_languages"`
}

type verifiedLang struct {
	Language string `json:"language"`
	Locale   string `json:"locale"`
}

// ListVoices returns the voices available for the configured API key,
// filtered to those verified for languageCode when it is non-empty.
func (p *Provider) ListVoices(ctx context.Context, languageCode string) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return filterVoices(vr.Voices, languageCode), nil
}

// filterVoices converts the API response into VoiceProfiles, keeping only
// voices verified for languageCode when it is non-empty.
func filterVoices(voices []elevenLabsVoice, languageCode string) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		locales := make([]string, 0, len(v.VerifiedLanguages))
		for _, vl := range v.VerifiedLanguages {
			if vl.Locale != "" {
				locales = append(locales, vl.Locale)
			} else if vl.Language != "" {
				locales = append(locales, vl.Language)
			}
		}
		if languageCode != "" && !matchesLocale(locales, languageCode) {
			continue
		}
		tier := ""
		if v.Category == "professional" || v.Category == "cloned" {
			tier = "premium"
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:            v.VoiceID,
			Name:          v.Name,
			Provider:      "elevenlabs",
			LanguageCodes: locales,
			Tier:          tier,
		})
	}
	return profiles
}

// matchesLocale reports whether any locale matches languageCode, comparing
// the primary subtag when an exact match is absent.
func matchesLocale(locales []string, languageCode string) bool {
	base, _, _ := strings.Cut(languageCode, "-")
	for _, l := range locales {
		if strings.EqualFold(l, languageCode) {
			return true
		}
		lb, _, _ := strings.Cut(l, "-")
		if strings.EqualFold(lb, base) {
			return true
		}
	}
	return false
}

// codecOf derives the codec name and sample rate from an ElevenLabs output
// format string like "mp3_44100_128" or "pcm_16000".
func codecOf(outputFormat string) (codec string, sampleRate int) {
	parts := strings.Split(outputFormat, "_")
	codec = parts[0]
	if len(parts) > 1 {
		fmt.Sscanf(parts[1], "%d", &sampleRate)
	}
	return codec, sampleRate
}
