// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The OpenAI endpoint is unary only: SynthesizeStream is implemented by
// running a unary synthesis and emitting the result as a single chunk, which
// keeps the provider usable behind the streaming interface as a fallback
// backend.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

const defaultModel = oai.SpeechModelGPT4oMiniTTS

// voices is the static OpenAI voice catalogue. All OpenAI voices are
// multilingual, so no per-language filtering applies.
var voices = []types.VoiceProfile{
	{ID: "alloy", Name: "Alloy", Provider: "openai"},
	{ID: "ash", Name: "Ash", Provider: "openai"},
	{ID: "coral", Name: "Coral", Provider: "openai"},
	{ID: "echo", Name: "Echo", Provider: "openai"},
	{ID: "fable", Name: "Fable", Provider: "openai"},
	{ID: "nova", Name: "Nova", Provider: "openai"},
	{ID: "onyx", Name: "Onyx", Provider: "openai"},
	{ID: "sage", Name: "Sage", Provider: "openai"},
	{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   oai.SpeechModel
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model (e.g., "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.SpeechModel(model) }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Synthesize performs a one-shot synthesis of req.Text.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.SynthesisResult, error) {
	if req.Text == "" {
		return nil, errors.New("openai: text must not be empty")
	}

	voice := oai.AudioSpeechNewParamsVoiceAlloy
	if req.Voice.ID != "" {
		voice = oai.AudioSpeechNewParamsVoice(req.Voice.ID)
	}
	format := oai.AudioSpeechNewParamsResponseFormatMP3
	if req.Codec == types.CodecOpus {
		format = oai.AudioSpeechNewParamsResponseFormatOpus
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, mapError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read audio: %w", err)
	}

	codec := types.CodecMP3
	if format == oai.AudioSpeechNewParamsResponseFormatOpus {
		codec = types.CodecOpus
	}
	return &tts.SynthesisResult{
		Audio:      audio,
		SampleRate: 24000,
		Codec:      codec,
	}, nil
}

// SynthesizeStream runs a unary synthesis and emits the result as one chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	out := make(chan tts.Chunk, 2)
	go func() {
		defer close(out)
		res, err := p.Synthesize(ctx, req)
		if err != nil {
			out <- tts.Chunk{Err: err}
			return
		}
		out <- tts.Chunk{Index: 0, Data: res.Audio, Codec: res.Codec}
		out <- tts.Chunk{Index: 1, Last: true, Codec: res.Codec}
	}()
	return out, nil
}

// ListVoices returns the static OpenAI voice catalogue.
func (p *Provider) ListVoices(_ context.Context, _ string) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, len(voices))
	copy(out, voices)
	return out, nil
}

// mapError maps OpenAI API errors onto the tts sentinels.
func mapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", tts.ErrAuthFailed, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", tts.ErrQuotaExceeded, err)
		}
	}
	return fmt.Errorf("openai: synthesize: %w", err)
}
