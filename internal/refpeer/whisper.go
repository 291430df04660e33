package refpeer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/codec"
)

// ErrOggUnsupported is returned by [Whisper] for Ogg/Opus payloads, which
// whisper-server cannot read.
var ErrOggUnsupported = errors.New("refpeer: whisper: ogg payloads are not supported")

// Whisper is a [Transcriber] backed by a running whisper.cpp server. Each
// segment is POSTed to its /inference endpoint as multipart form data.
//
// WAV payloads are forwarded unchanged; raw L16 payloads are wrapped in a WAV
// header assuming the pipeline format.
type Whisper struct {
	serverURL string
	language  string
	model     string
	client    *http.Client
	breaker   *resilience.CircuitBreaker
}

var _ Transcriber = (*Whisper)(nil)

// WhisperOption configures a [Whisper].
type WhisperOption func(*Whisper)

// WithLanguage sets the language hint (e.g. "en", "de"). Empty lets the
// server detect it.
func WithLanguage(lang string) WhisperOption {
	return func(w *Whisper) { w.language = lang }
}

// WithModel names the model the server should use. Empty uses the one it was
// started with.
func WithModel(model string) WhisperOption {
	return func(w *Whisper) { w.model = model }
}

// WithHTTPClient replaces the default client, which times out after 60s.
func WithHTTPClient(c *http.Client) WhisperOption {
	return func(w *Whisper) {
		if c != nil {
			w.client = c
		}
	}
}

// WithBreaker guards inference requests with cb so a dead server fails fast.
func WithBreaker(cb *resilience.CircuitBreaker) WhisperOption {
	return func(w *Whisper) { w.breaker = cb }
}

// NewWhisper returns a transcriber for the whisper-server at serverURL
// (e.g. "http://localhost:8080").
func NewWhisper(serverURL string, opts ...WhisperOption) (*Whisper, error) {
	if serverURL == "" {
		return nil, errors.New("refpeer: whisper: server URL is required")
	}
	w := &Whisper{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Transcribe implements [Transcriber].
func (w *Whisper) Transcribe(ctx context.Context, payload []byte) (string, error) {
	wav, err := toWAV(payload)
	if err != nil {
		return "", err
	}
	if w.breaker == nil {
		return w.infer(ctx, wav)
	}
	var text string
	err = w.breaker.Execute(func() error {
		var ierr error
		text, ierr = w.infer(ctx, wav)
		return ierr
	})
	return text, err
}

func toWAV(payload []byte) ([]byte, error) {
	if bytes.HasPrefix(payload, []byte("OggS")) {
		return nil, ErrOggUnsupported
	}
	if _, _, err := codec.DecodeWAV(payload); err == nil {
		return payload, nil
	}
	return codec.WAV{}.Encode(payload, audio.PipelineFormat)
}

func (w *Whisper) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return "", fmt.Errorf("refpeer: whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("refpeer: whisper: write audio: %w", err)
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        w.language,
		"model":           w.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("refpeer: whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("refpeer: whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("refpeer: whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refpeer: whisper: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("refpeer: whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("refpeer: whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
