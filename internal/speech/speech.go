// Package speech provides clients for the text-to-speech and speech-to-text
// services. Audio in both directions is 8 kHz mu-law.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Synthesizer renders text to mu-law audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// Transcriber converts caller audio to text. An empty transcript with a
// nil error means no speech was recognised.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// maxAudioBytes caps synthesized audio at five minutes of mu-law.
const maxAudioBytes = 5 * 60 * 8000

// ErrEmptyAudio is returned when the TTS service produced no audio.
var ErrEmptyAudio = errors.New("speech: empty audio")

// synthesizeRequest is the payload for POST /v1/tts.
type synthesizeRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// transcribeResponse is the body returned by POST /v1/stt.
type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// errorResponse is returned by either service on failure.
type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to an HTTP speech service exposing /v1/tts and /v1/stt.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a speech client for baseURL (e.g. "http://speech:8000").
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger.With("subsystem", "speech"),
	}
}

// Synthesize implements Synthesizer.
func (c *Client) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:       text,
		Language:   language,
		Encoding:   "mulaw",
		SampleRate: 8000,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: marshalling tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("speech: creating tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: sending tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("tts", resp)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("speech: reading tts audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	c.logger.Debug("synthesized prompt",
		"chars", len(text),
		"bytes", len(audio),
		"elapsed", time.Since(start),
	)
	return audio, nil
}

// Transcribe implements Transcriber.
func (c *Client) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	u := c.baseURL + "/v1/stt?" + url.Values{"language": {language}, "encoding": {"mulaw"}, "sample_rate": {"8000"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("speech: creating stt request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/basic")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech: sending stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("stt", resp)
	}

	var out transcribeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("speech: decoding stt response: %w", err)
	}

	c.logger.Debug("transcribed response", "bytes", len(audio), "chars", len(out.Text), "confidence", out.Confidence)
	return out.Text, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("speech: %s error (status %d): %s", op, resp.StatusCode, e.Error)
	}
	return fmt.Errorf("speech: %s returned status %d", op, resp.StatusCode)
}
