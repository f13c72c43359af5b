package app

import (
	"log"
	"time"

	"github.com/callforge/relay/internal/config"
	"github.com/callforge/relay/internal/failover"
	"github.com/callforge/relay/internal/provider"
)

// Per-attempt latency budgets. Earlier chain positions get tighter
// budgets so a slow primary is abandoned while the fallback still has
// headroom inside the caller's overall deadline.
const (
	primaryCompletionBudget   = 1200 * time.Millisecond
	secondaryCompletionBudget = 1500 * time.Millisecond
	mockCompletionBudget      = 2 * time.Second

	hostedSpeechBudget = time.Second
	mockSpeechBudget   = 800 * time.Millisecond
)

// registerProviders resolves the language-model and speech backends
// from configuration and installs the failover chains. Hosted HTTP
// backends take the front of the chain when configured; the mock
// backend always anchors the tail so the relay degrades rather than
// going silent.
func registerProviders(cfg config.Config, registry *provider.Registry, optimizer *failover.Optimizer) {
	var llm []failover.ProviderBudget
	if cfg.LLMEndpoint != "" {
		registry.RegisterLLM("llm-primary", provider.NewHTTPLLM(cfg.LLMEndpoint))
		llm = append(llm, failover.ProviderBudget{ID: "llm-primary", MaxLatency: primaryCompletionBudget})
	}
	if cfg.LLMSecondaryEndpoint != "" {
		registry.RegisterLLM("llm-secondary", provider.NewHTTPLLM(cfg.LLMSecondaryEndpoint))
		llm = append(llm, failover.ProviderBudget{ID: "llm-secondary", MaxLatency: secondaryCompletionBudget})
	}
	registry.RegisterLLM("llm-mock", provider.NewMockLLM())
	llm = append(llm, failover.ProviderBudget{ID: "llm-mock", MaxLatency: mockCompletionBudget})
	if len(llm) == 1 {
		log.Printf("language model: mock (no LLM_ENDPOINT configured)")
	} else {
		log.Printf("language model: hosted with %d-deep failover", len(llm))
	}

	var speech []failover.ProviderBudget
	if cfg.SpeechEndpoint != "" {
		registry.RegisterSpeech("speech-hosted", provider.NewHTTPSpeech(cfg.SpeechEndpoint, cfg.SpeechAPIKey))
		speech = append(speech, failover.ProviderBudget{ID: "speech-hosted", MaxLatency: hostedSpeechBudget, MinQuality: 0.5})
	}
	registry.RegisterSpeech("speech-mock", provider.NewMockSpeech())
	speech = append(speech, failover.ProviderBudget{ID: "speech-mock", MaxLatency: mockSpeechBudget})
	if len(speech) == 1 {
		log.Printf("speech provider: mock (no SPEECH_ENDPOINT configured)")
	} else {
		log.Printf("speech provider: hosted with mock fallback")
	}

	optimizer.SetPlan(failover.Plan{
		Language: cfg.DefaultLanguage,
		Kind:     failover.KindCompletion,
		Chain:    padChain(llm),
	})
	optimizer.SetPlan(failover.Plan{
		Language: cfg.DefaultLanguage,
		Kind:     failover.KindSynthesis,
		Chain:    padChain(speech),
	})
	optimizer.SetPlan(failover.Plan{
		Language: cfg.DefaultLanguage,
		Kind:     failover.KindTranscription,
		Chain:    padChain(speech),
	})
}

// padChain fills all three chain slots, repeating the final fallback
// when fewer distinct backends are configured.
func padChain(budgets []failover.ProviderBudget) [3]failover.ProviderBudget {
	var chain [3]failover.ProviderBudget
	for i := range chain {
		if i < len(budgets) {
			chain[i] = budgets[i]
		} else {
			chain[i] = budgets[len(budgets)-1]
		}
	}
	return chain
}
