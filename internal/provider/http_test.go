package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPLLMCompleteParsesTextFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Turns) != 2 || req.Turns[1].Role != RoleUser {
			t.Errorf("unexpected turns: %+v", req.Turns)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello caller"})
	}))
	defer srv.Close()

	p := NewHTTPLLM(srv.URL)
	got, err := p.Complete(context.Background(), []Turn{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "hello caller" {
		t.Fatalf("Complete() = %q, want %q", got, "hello caller")
	}
}

func TestHTTPLLMCompleteAcceptsBareText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain reply"))
	}))
	defer srv.Close()

	got, err := NewHTTPLLM(srv.URL).Complete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "plain reply" {
		t.Fatalf("Complete() = %q, want %q", got, "plain reply")
	}
}

func TestHTTPLLMCompleteSurfacesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPLLM(srv.URL).Complete(context.Background(), nil); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestHTTPLLMCompleteRetriesOnceOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "second time lucky"})
	}))
	defer srv.Close()

	got, err := NewHTTPLLM(srv.URL).Complete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "second time lucky" {
		t.Fatalf("Complete() = %q", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("upstream calls = %d, want 2", n)
	}
}

func TestHTTPLLMCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := NewHTTPLLM(srv.URL).Complete(context.Background(), nil); err == nil {
		t.Fatalf("expected error for 400")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestHTTPSpeechSynthesizeDecodesAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize" {
			t.Errorf("path = %q, want /synthesize", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key1" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"audio_base64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
			"quality":      1.7,
		})
	}))
	defer srv.Close()

	p := NewHTTPSpeech(srv.URL, "key1")
	got, err := p.Synthesize(context.Background(), "hello", "en", "v1")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(got.Audio) != 3 {
		t.Fatalf("audio len = %d, want 3", len(got.Audio))
	}
	if got.Quality != 1 {
		t.Fatalf("quality = %v, want clamped 1", got.Quality)
	}
}

func TestHTTPSpeechTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path = %q, want /transcribe", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transcript": "book a table", "confidence": 0.95})
	}))
	defer srv.Close()

	got, err := NewHTTPSpeech(srv.URL, "").Transcribe(context.Background(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "book a table" || got.Confidence != 0.95 {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestRegistryResolvesProviders(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", NewMockLLM())
	r.RegisterSpeech("mock", NewMockSpeech())

	if _, err := r.LLM("mock"); err != nil {
		t.Fatalf("LLM() error = %v", err)
	}
	if _, err := r.Speech("mock"); err != nil {
		t.Fatalf("Speech() error = %v", err)
	}
	if _, err := r.LLM("nope"); err == nil {
		t.Fatalf("expected ErrUnknownProvider")
	}
}
