package workflow

import (
	"errors"
	"testing"
)

func TestContextPromptJoinsPrompts(t *testing.T) {
	def := Definition{
		SystemPrompt: "You are a booking assistant.",
		NodePrompts:  []string{"Greet the caller.", "", "  Collect the reservation date.  "},
	}
	want := "You are a booking assistant.\nGreet the caller.\nCollect the reservation date."
	if got := def.ContextPrompt(); got != want {
		t.Fatalf("ContextPrompt() = %q, want %q", got, want)
	}
}

func TestStaticLoaderFallsBackToDefault(t *testing.T) {
	l := NewStaticLoader(Definition{ID: "default", SystemPrompt: "Be helpful."})
	l.Register(Definition{ID: "wf1", SystemPrompt: "Take orders."})

	def, err := l.Load("wf1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.SystemPrompt != "Take orders." {
		t.Fatalf("SystemPrompt = %q, want registered definition", def.SystemPrompt)
	}

	def, err = l.Load("missing")
	if err != nil {
		t.Fatalf("Load() fallback error = %v", err)
	}
	if def.ID != "default" {
		t.Fatalf("fallback ID = %q, want %q", def.ID, "default")
	}
}

func TestStaticLoaderWithoutFallbackErrors(t *testing.T) {
	l := NewStaticLoader(Definition{})
	if _, err := l.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
