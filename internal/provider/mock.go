package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockLLM is a local fallback used when no LLM endpoint is configured.
// It echoes a deterministic reply so the call loop stays exercisable.
type MockLLM struct {
	Delay time.Duration
}

func NewMockLLM() *MockLLM { return &MockLLM{} }

func (p *MockLLM) Complete(ctx context.Context, turns []Turn) (string, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			last = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if last == "" {
		return "How can I help you today?", nil
	}
	return fmt.Sprintf("I heard you say: %s", last), nil
}

// MockSpeech fabricates synthesis and transcription results locally.
type MockSpeech struct {
	Delay time.Duration
}

func NewMockSpeech() *MockSpeech { return &MockSpeech{} }

func (p *MockSpeech) Synthesize(ctx context.Context, text, language, voiceID string) (Synthesis, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return Synthesis{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	// Length-proportional silence stands in for real audio.
	pcm := make([]byte, 2*len(text)*16)
	return Synthesis{Audio: pcm, Quality: 0.9}, nil
}

func (p *MockSpeech) Transcribe(ctx context.Context, audio []byte, language string) (Transcript, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return Transcript{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if len(audio) == 0 {
		return Transcript{Text: "", Confidence: 0}, nil
	}
	return Transcript{Text: "simulated caller speech", Confidence: 0.7}, nil
}
