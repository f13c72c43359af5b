package provider

import (
	"context"
	"errors"
	"sync"
)

// Role labels a conversation turn handed to the language model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the ordered context sent to the language model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LLM is the opaque language-model capability. Implementations are
// swapped behind the failover optimizer and must respect ctx.
type LLM interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// Synthesis is the result of a text-to-speech call.
type Synthesis struct {
	Audio   []byte
	Quality float64
}

// Transcript is the result of a speech-to-text call.
type Transcript struct {
	Text       string
	Confidence float64
}

// Speech is the uniform speech capability contract. Concrete providers
// (hosted APIs, local engines) are interchangeable behind it.
type Speech interface {
	Synthesize(ctx context.Context, text, language, voiceID string) (Synthesis, error)
	Transcribe(ctx context.Context, audio []byte, language string) (Transcript, error)
}

var ErrUnknownProvider = errors.New("unknown provider")

// Registry resolves failover plan provider ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	llms   map[string]LLM
	speech map[string]Speech
}

func NewRegistry() *Registry {
	return &Registry{
		llms:   make(map[string]LLM),
		speech: make(map[string]Speech),
	}
}

func (r *Registry) RegisterLLM(id string, p LLM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[id] = p
}

func (r *Registry) RegisterSpeech(id string, p Speech) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[id] = p
}

func (r *Registry) LLM(id string) (LLM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.llms[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

func (r *Registry) Speech(id string) (Speech, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.speech[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}
