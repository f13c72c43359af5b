package protocol

import (
	"errors"
	"testing"
)

func TestParseInboundSetup(t *testing.T) {
	raw := []byte(`{"kind":"setup","call_id":"c1","workflow_id":"wf1","from":"+15551234567","to":"+15559876543"}`)
	msg, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}

	setup, ok := msg.(Setup)
	if !ok {
		t.Fatalf("message type = %T, want Setup", msg)
	}
	if setup.CallID != "c1" || setup.WorkflowID != "wf1" {
		t.Fatalf("unexpected setup: %+v", setup)
	}
}

func TestParseInboundMedia(t *testing.T) {
	raw := []byte(`{"kind":"media","seq":3,"payload_base64":"AQIDBA=="}`)
	msg, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}

	media, ok := msg.(Media)
	if !ok {
		t.Fatalf("message type = %T, want Media", msg)
	}
	if media.Seq != 3 || media.PayloadBase64 != "AQIDBA==" {
		t.Fatalf("unexpected media: %+v", media)
	}
}

func TestParseInboundRejectsUnknownKind(t *testing.T) {
	_, err := ParseInbound([]byte(`{"kind":"wat"}`))
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("error = %v, want ErrUnsupportedKind", err)
	}
}

func TestParseInboundRejectsSetupWithoutCallID(t *testing.T) {
	if _, err := ParseInbound([]byte(`{"kind":"setup","workflow_id":"wf1"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestExtractTranscriptFindsKnownFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"transcript field", `{"event":"recognition","transcript":"hello there"}`, "hello there", true},
		{"text field", `{"text":" book a table "}`, "book a table", true},
		{"message field", `{"message":"goodbye"}`, "goodbye", true},
		{"no usable field", `{"event":"keepalive","seq":9}`, "", false},
		{"not json", `not json at all`, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractTranscript([]byte(tc.raw))
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractTranscript() = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestKindOfOutbound(t *testing.T) {
	kind, ok := KindOf(Text{Kind: KindText, Text: "hi"})
	if !ok || kind != KindText {
		t.Fatalf("KindOf() = (%q, %v), want (%q, true)", kind, ok, KindText)
	}
	if _, ok := KindOf(42); ok {
		t.Fatalf("KindOf(42) should not resolve")
	}
}

func BenchmarkParseInboundMedia(b *testing.B) {
	raw := []byte(`{"kind":"media","seq":7,"payload_base64":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseInbound(raw)
		if err != nil {
			b.Fatalf("ParseInbound() error = %v", err)
		}
		if _, ok := msg.(Media); !ok {
			b.Fatalf("message type = %T, want Media", msg)
		}
	}
}
