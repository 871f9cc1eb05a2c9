// Package openai provides a tts.Provider backed by the OpenAI speech API.
//
// The API returns a single audio body per request; the provider re-chunks it
// onto the channel so callers see the same streaming shape as the websocket
// engine. OpenAI voices do not support pitch shifting, so Request.Pitch is
// ignored.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Speech output is fixed at 24 kHz by the API.
const outputSampleRate = 24000

// chunkSize is the size of the audio slices re-emitted on the channel.
const chunkSize = 32 * 1024

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel overrides the speech model (default "tts-1").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the client at a compatible alternative endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client  oai.Client
	model   string
	baseURL string
}

// New constructs an OpenAI speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{model: "tts-1"}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, func() (tts.Metadata, error), error) {
	if req.Text == "" {
		return nil, nil, errors.New("openai tts: text must not be empty")
	}

	voice := req.Voice
	if voice == "" {
		voice = string(oai.AudioSpeechNewParamsVoiceAlloy)
	}
	format := req.Format
	if format == "" {
		format = string(oai.AudioSpeechNewParamsResponseFormatWAV)
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	}
	if req.Rate != 0 {
		params.Speed = oai.Float(req.Rate)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("openai tts: speech request: %w", err)
	}

	chunks := make(chan []byte, 16)
	type outcome struct {
		meta tts.Metadata
		err  error
	}
	result := make(chan outcome, 1)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		var total int64
		for {
			buf := make([]byte, chunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				total += int64(n)
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					result <- outcome{err: ctx.Err()}
					return
				}
			}
			if errors.Is(err, io.EOF) {
				result <- outcome{meta: tts.Metadata{
					Duration:   estimateDuration(format, total),
					SampleRate: outputSampleRate,
				}}
				return
			}
			if err != nil {
				result <- outcome{err: fmt.Errorf("openai tts: read audio: %w", err)}
				return
			}
		}
	}()

	meta := func() (tts.Metadata, error) {
		o := <-result
		return o.meta, o.err
	}
	return chunks, meta, nil
}

// estimateDuration derives playback length from the byte count for
// uncompressed formats. Compressed formats report zero.
func estimateDuration(format string, totalBytes int64) time.Duration {
	switch format {
	case "wav", "pcm":
		// 16-bit mono at the fixed output rate.
		bytesPerSecond := int64(outputSampleRate * 2)
		return time.Duration(totalBytes * int64(time.Second) / bytesPerSecond)
	default:
		return 0
	}
}
