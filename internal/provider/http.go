package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/callforge/relay/internal/reliability"
)

// HTTPLLM forwards completion requests to a JSON HTTP endpoint.
type HTTPLLM struct {
	url    string
	client *http.Client
}

func NewHTTPLLM(url string) *HTTPLLM {
	return &HTTPLLM{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type completionRequest struct {
	Turns []Turn `json:"turns"`
}

type completionResponse struct {
	Text       string `json:"text"`
	Output     string `json:"output,omitempty"`
	Completion string `json:"completion,omitempty"`
}

// completionRetries bounds in-provider retries; the failover chain
// handles anything beyond a single transient blip.
const completionRetries = 1

func (p *HTTPLLM) Complete(ctx context.Context, turns []Turn) (string, error) {
	payload, err := json.Marshal(completionRequest{Turns: turns})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= completionRetries; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt, 50*time.Millisecond, 250*time.Millisecond)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		text, err := p.completeOnce(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		if !errors.Is(err, errRetryable) && !reliability.IsTransient(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (p *HTTPLLM) completeOnce(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("llm http status %d: %s", res.StatusCode, string(body))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return "", fmt.Errorf("%w: %w", errRetryable, err)
		}
		return "", err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj completionResponse
	if err := json.Unmarshal(body, &obj); err != nil {
		// Some upstreams reply with bare text.
		text := strings.TrimSpace(string(body))
		if text == "" {
			return "", fmt.Errorf("empty completion")
		}
		return text, nil
	}
	for _, text := range []string{obj.Text, obj.Output, obj.Completion} {
		if strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
	}
	return "", fmt.Errorf("completion response carried no text")
}

var errRetryable = fmt.Errorf("retryable upstream failure")

// HTTPSpeech forwards synthesize/transcribe requests to a speech API.
type HTTPSpeech struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSpeech(baseURL, apiKey string) *HTTPSpeech {
	return &HTTPSpeech{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type synthesizeResponse struct {
	AudioBase64 string  `json:"audio_base64"`
	Quality     float64 `json:"quality"`
}

func (p *HTTPSpeech) Synthesize(ctx context.Context, text, language, voiceID string) (Synthesis, error) {
	var out synthesizeResponse
	err := p.post(ctx, "/synthesize", synthesizeRequest{Text: text, Language: language, VoiceID: voiceID}, &out)
	if err != nil {
		return Synthesis{}, err
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return Synthesis{}, fmt.Errorf("decode audio: %w", err)
	}
	return Synthesis{Audio: audio, Quality: clamp01(out.Quality)}, nil
}

type transcribeRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Language    string `json:"language"`
}

type transcribeResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (p *HTTPSpeech) Transcribe(ctx context.Context, audio []byte, language string) (Transcript, error) {
	var out transcribeResponse
	req := transcribeRequest{AudioBase64: base64.StdEncoding.EncodeToString(audio), Language: language}
	if err := p.post(ctx, "/transcribe", req, &out); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: out.Transcript, Confidence: clamp01(out.Confidence)}, nil
}

func (p *HTTPSpeech) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("speech http status %d: %s", res.StatusCode, string(body))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
