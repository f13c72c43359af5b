package workflow

import (
	"errors"
	"strings"
	"sync"
)

// Definition is the read-only slice of a call workflow the relay
// consumes: a global system prompt plus the node prompts, in order.
// Node graph execution semantics live elsewhere and are never
// interpreted here.
type Definition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	NodePrompts  []string `json:"node_prompts"`
}

// ContextPrompt joins the definition's strings into the system context
// handed to the language model at session start.
func (d Definition) ContextPrompt() string {
	parts := make([]string, 0, 1+len(d.NodePrompts))
	if s := strings.TrimSpace(d.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	for _, p := range d.NodePrompts {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

var ErrNotFound = errors.New("workflow not found")

// Loader resolves a workflow definition at session start.
type Loader interface {
	Load(workflowID string) (Definition, error)
}

// StaticLoader serves definitions registered at startup. A missing id
// resolves to the default definition so a call can always proceed.
type StaticLoader struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	fallback    Definition
}

func NewStaticLoader(fallback Definition) *StaticLoader {
	return &StaticLoader{
		definitions: make(map[string]Definition),
		fallback:    fallback,
	}
}

func (l *StaticLoader) Register(def Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.definitions[def.ID] = def
}

func (l *StaticLoader) Load(workflowID string) (Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if def, ok := l.definitions[workflowID]; ok {
		return def, nil
	}
	if l.fallback.SystemPrompt != "" || len(l.fallback.NodePrompts) > 0 {
		return l.fallback, nil
	}
	return Definition{}, ErrNotFound
}
