// Package transcribe converts buffered utterance audio to text so that
// audio-only turns can still be committed with readable user input.
package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ErrTranscription wraps recognizer failures. Callers treat it as a
// degraded turn (empty user input), never as a fatal commit error.
var ErrTranscription = errors.New("transcription failed")

// Recognizer converts one utterance of LINEAR16 PCM to text. An empty
// string with a nil error is a normal outcome (silence, noise).
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Disabled is the recognizer used when no API key is configured. Every
// utterance transcribes to the empty string.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, []byte) (string, error) {
	return "", nil
}

// Gemini transcribes audio through the Gemini API.
type Gemini struct {
	client       *genai.Client
	model        string
	languageCode string
	sampleRateHz int
	timeout      time.Duration
}

type GeminiOptions struct {
	APIKey       string
	Model        string
	LanguageCode string
	SampleRateHz int
	Timeout      time.Duration
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini recognizer requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}
	if opts.LanguageCode == "" {
		opts.LanguageCode = "en-US"
	}
	if opts.SampleRateHz <= 0 {
		opts.SampleRateHz = 16000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Gemini{
		client:       client,
		model:        opts.Model,
		languageCode: opts.LanguageCode,
		sampleRateHz: opts.SampleRateHz,
		timeout:      opts.Timeout,
	}, nil
}

// Transcribe sends the utterance as a WAV attachment and returns the
// verbatim transcript. Empty audio and empty transcripts return "".
func (g *Gemini) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Transcribe this %s audio verbatim. Reply with only the transcript text. Reply with an empty message if there is no speech.",
		g.languageCode,
	)
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(wavBlob(pcm, g.sampleRateHz), "audio/wav"),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// wavBlob wraps raw LINEAR16 mono PCM in a minimal WAV container. The
// Gemini API accepts audio/wav but not headerless PCM.
func wavBlob(pcm []byte, sampleRateHz int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRateHz * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16) // PCM fmt chunk size
	buf = binary.LittleEndian.AppendUint16(buf, 1)  // PCM format
	buf = binary.LittleEndian.AppendUint16(buf, numChannels)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRateHz))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, bitsPerSample)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}
