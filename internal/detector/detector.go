// Package detector decides whether buffered media chunks amount to a
// caller utterance. It trades precision for responsiveness: thresholds
// default low so the conversation never waits on a perfect endpoint.
package detector

import (
	"time"
)

// Chunk is one buffered audio-like payload from the relay channel.
type Chunk struct {
	Data       []byte
	Seq        int
	ReceivedAt time.Time
}

// Config holds the three detection heuristics plus the stall bound.
type Config struct {
	MinBytes      int
	MinSpan       time.Duration
	MinChunks     int
	FallbackAfter time.Duration
}

// DefaultConfig favors responsiveness over precision.
func DefaultConfig() Config {
	return Config{
		MinBytes:      1024,
		MinSpan:       500 * time.Millisecond,
		MinChunks:     3,
		FallbackAfter: 5 * time.Second,
	}
}

// Outcome of a buffer evaluation.
type Outcome string

const (
	// OutcomeSpeech means the buffer holds enough material to treat as
	// one utterance; Audio carries the concatenated payload.
	OutcomeSpeech Outcome = "speech"
	// OutcomeFallback means the buffer stalled without detection;
	// Utterance carries canned text so the conversation keeps moving.
	OutcomeFallback Outcome = "fallback"
)

// Decision is a triggering evaluation result. The caller must clear
// its chunk buffer after receiving one.
type Decision struct {
	Outcome   Outcome
	Audio     []byte
	Utterance string
}

type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = def.MinBytes
	}
	if cfg.MinSpan <= 0 {
		cfg.MinSpan = def.MinSpan
	}
	if cfg.MinChunks <= 0 {
		cfg.MinChunks = def.MinChunks
	}
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = def.FallbackAfter
	}
	return &Detector{cfg: cfg}
}

// Evaluate inspects the buffered chunks. The second return is false
// when no decision triggered and buffering should continue.
func (d *Detector) Evaluate(chunks []Chunk, now time.Time) (Decision, bool) {
	if len(chunks) == 0 {
		return Decision{}, false
	}

	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	span := spanOf(chunks, now)

	if total >= d.cfg.MinBytes && span >= d.cfg.MinSpan && len(chunks) >= d.cfg.MinChunks {
		audio := make([]byte, 0, total)
		for _, c := range chunks {
			audio = append(audio, c.Data...)
		}
		return Decision{Outcome: OutcomeSpeech, Audio: audio}, true
	}

	if span >= d.cfg.FallbackAfter {
		return Decision{
			Outcome:   OutcomeFallback,
			Utterance: fallbackUtterance(len(chunks)),
		}, true
	}

	return Decision{}, false
}

func spanOf(chunks []Chunk, now time.Time) time.Duration {
	first := chunks[0].ReceivedAt
	last := chunks[len(chunks)-1].ReceivedAt
	if len(chunks) == 1 {
		last = now
	}
	if last.Before(first) {
		return 0
	}
	return last.Sub(first)
}

var fallbackUtterances = []string{
	"I'm sorry, I didn't quite catch that. Could you repeat it?",
	"The line is a little unclear. Could you say that again?",
	"I missed that. One more time, please?",
}

func fallbackUtterance(chunkCount int) string {
	return fallbackUtterances[chunkCount%len(fallbackUtterances)]
}

// ReengagementPrompt picks contextual canned text for silence recovery.
// turnCount is the number of conversation turns exchanged so far and
// promptNumber counts consecutive unanswered prompts starting at 1.
func ReengagementPrompt(turnCount, promptNumber int) string {
	if turnCount == 0 {
		return "Hello? I'm here whenever you're ready."
	}
	if promptNumber > 1 {
		return "I still can't hear you. I'll stay on the line a little longer."
	}
	return "Are you still there? Take your time."
}

// ClosingPrompt is spoken when silence recovery gives up on a call.
func ClosingPrompt() string {
	return "It seems we got disconnected. Goodbye for now."
}
