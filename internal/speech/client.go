// Package speech talks to the external speech services: a transcription
// endpoint for inbound voice commands and a synthesis endpoint for spoken
// replies. Synthesized audio lands in an in-memory cache and is handed out
// by reference id, so protocol messages never carry the payload twice.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tiflis-io/tiflis-hub/internal/retry"
)

// maxAudioBytes caps how much synthesized audio a single response may carry.
const maxAudioBytes = 16 << 20

// Config points the client at the speech services. An empty URL disables the
// corresponding operation.
type Config struct {
	STTURL  string
	TTSURL  string
	Voice   string
	Speed   float64
	Timeout time.Duration
	Retry   retry.Config
}

// Transcription is the text recovered from a voice clip.
type Transcription struct {
	Text     string
	Duration time.Duration
}

// Synthesis is a rendered audio clip for a piece of text.
type Synthesis struct {
	Audio       []byte
	ContentType string
	Duration    time.Duration
}

// Client is an HTTP client for the speech services. Transient failures are
// retried with backoff; 4xx responses fail immediately.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a speech client, applying defaults for zero-value
// config fields.
func NewClient(cfg Config) *Client {
	if cfg.Voice == "" {
		cfg.Voice = "af_heart"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// CanTranscribe reports whether a transcription service is configured.
func (c *Client) CanTranscribe() bool {
	return c.cfg.STTURL != ""
}

// CanSynthesize reports whether a synthesis service is configured.
func (c *Client) CanSynthesize() bool {
	return c.cfg.TTSURL != ""
}

// Transcribe posts a voice clip to the transcription service and returns the
// recognized text. The context aborts the request mid-flight, which is how a
// cancel arriving during transcription suppresses the result.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (Transcription, error) {
	if !c.CanTranscribe() {
		return Transcription{}, fmt.Errorf("transcription service is not configured")
	}
	if len(audio) == 0 {
		return Transcription{}, fmt.Errorf("empty audio clip")
	}

	body, contentType, err := buildTranscribeForm(audio, format)
	if err != nil {
		return Transcription{}, fmt.Errorf("build transcription form: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.STTURL, "/") + "/v1/audio/transcriptions"

	var out Transcription
	err = retry.Do(ctx, c.cfg.Retry, "transcribe", func(retryCtx context.Context) error {
		req, err := http.NewRequestWithContext(retryCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build transcription request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send transcription request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError("transcription", resp)
		}

		var decoded struct {
			Text     string  `json:"text"`
			Duration float64 `json:"duration"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return retry.Permanent(fmt.Errorf("decode transcription response: %w", err))
		}

		out = Transcription{
			Text:     strings.TrimSpace(decoded.Text),
			Duration: time.Duration(decoded.Duration * float64(time.Second)),
		}
		return nil
	})
	if err != nil {
		return Transcription{}, err
	}
	return out, nil
}

// Synthesize renders text to audio with the configured voice and speed. The
// service streams the clip back directly; duration comes from the
// X-Audio-Duration response header.
func (c *Client) Synthesize(ctx context.Context, text string) (Synthesis, error) {
	if !c.CanSynthesize() {
		return Synthesis{}, fmt.Errorf("synthesis service is not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Synthesis{}, fmt.Errorf("nothing to synthesize")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"text":  text,
		"voice": c.cfg.Voice,
		"speed": c.cfg.Speed,
	})
	if err != nil {
		return Synthesis{}, fmt.Errorf("marshal synthesis payload: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.TTSURL, "/") + "/v1/tts"

	var out Synthesis
	err = retry.Do(ctx, c.cfg.Retry, "synthesize", func(retryCtx context.Context) error {
		req, err := http.NewRequestWithContext(retryCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build synthesis request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send synthesis request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError("synthesis", resp)
		}

		clip, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
		if err != nil {
			return fmt.Errorf("read synthesis audio: %w", err)
		}
		if len(clip) == 0 {
			return retry.Permanent(fmt.Errorf("synthesis service returned no audio"))
		}

		out = Synthesis{
			Audio:       clip,
			ContentType: resp.Header.Get("Content-Type"),
			Duration:    parseSecondsHeader(resp.Header.Get("X-Audio-Duration")),
		}
		return nil
	})
	if err != nil {
		return Synthesis{}, err
	}
	return out, nil
}

// buildTranscribeForm assembles the multipart body: the clip as the file
// field plus verbose_json so the response includes the audio duration.
func buildTranscribeForm(audio []byte, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "voice."+fileExt(format))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", "whisper-1"); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// fileExt normalizes a client-supplied format ("webm", "audio/webm",
// "audio/webm;codecs=opus") to a bare file extension.
func fileExt(format string) string {
	format = strings.TrimSpace(format)
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}
	if i := strings.LastIndexByte(format, '/'); i >= 0 {
		format = format[i+1:]
	}
	if format == "" {
		return "webm"
	}
	return strings.ToLower(format)
}

// statusError turns a non-2xx response into a retryable or permanent error.
// Most 4xx responses are permanent; 408 and 429 are worth retrying.
func statusError(operation string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	err := fmt.Errorf("%s service returned HTTP %d: %s",
		operation, resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

func parseSecondsHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
