package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies relay channel payload variants.
type Kind string

// Inbound message kinds arriving from the media relay.
const (
	KindSetup     Kind = "setup"
	KindPrompt    Kind = "prompt"
	KindDTMF      Kind = "dtmf"
	KindInterrupt Kind = "interrupt"
	KindMedia     Kind = "media"
	KindError     Kind = "error"
	KindStop      Kind = "stop"
)

// Outbound message kinds sent back over the relay.
const (
	KindText     Kind = "text"
	KindMediaURL Kind = "media_url"
	KindLanguage Kind = "language"
)

var ErrUnsupportedKind = errors.New("unsupported message kind")

type Envelope struct {
	Kind Kind `json:"kind"`
}

type Setup struct {
	Kind       Kind   `json:"kind"`
	CallID     string `json:"call_id"`
	WorkflowID string `json:"workflow_id"`
	TrackingID string `json:"tracking_id,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Language   string `json:"language,omitempty"`
}

type Prompt struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

type DTMF struct {
	Kind  Kind   `json:"kind"`
	Digit string `json:"digit"`
}

type Interrupt struct {
	Kind Kind `json:"kind"`
}

type Media struct {
	Kind          Kind   `json:"kind"`
	Seq           int    `json:"seq"`
	PayloadBase64 string `json:"payload_base64"`
}

type ErrorMessage struct {
	Kind   Kind   `json:"kind"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type Stop struct {
	Kind Kind `json:"kind"`
}

// Outbound payloads.

type Text struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

type MediaURL struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
}

type Language struct {
	Kind Kind   `json:"kind"`
	Code string `json:"code"`
}

// ParseInbound decodes and validates a raw relay channel message.
// Unrecognized kinds return ErrUnsupportedKind so callers can fall back
// to heuristic transcript extraction before dropping the message.
func ParseInbound(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Kind {
	case KindSetup:
		var msg Setup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid setup: missing call_id")
		}
		return msg, nil
	case KindPrompt:
		var msg Prompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid prompt: missing text")
		}
		return msg, nil
	case KindDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Digit == "" {
			return nil, errors.New("invalid dtmf: missing digit")
		}
		return msg, nil
	case KindInterrupt:
		return Interrupt{Kind: KindInterrupt}, nil
	case KindMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PayloadBase64 == "" {
			return nil, errors.New("invalid media: missing payload")
		}
		return msg, nil
	case KindError:
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case KindStop:
		return Stop{Kind: KindStop}, nil
	default:
		return nil, ErrUnsupportedKind
	}
}

// transcriptFields are scanned in order when a message shape is unknown.
var transcriptFields = []string{"transcript", "text", "prompt", "message", "speech"}

// ExtractTranscript scans an unrecognized message for a transcript-like
// string field. Returns false when nothing usable is present.
func ExtractTranscript(raw []byte) (string, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	for _, key := range transcriptFields {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

// KindOf reports the wire kind of a decoded inbound or outbound message.
func KindOf(msg any) (Kind, bool) {
	switch msg.(type) {
	case Setup:
		return KindSetup, true
	case Prompt:
		return KindPrompt, true
	case DTMF:
		return KindDTMF, true
	case Interrupt:
		return KindInterrupt, true
	case Media:
		return KindMedia, true
	case ErrorMessage:
		return KindError, true
	case Stop:
		return KindStop, true
	case Text:
		return KindText, true
	case MediaURL:
		return KindMediaURL, true
	case Language:
		return KindLanguage, true
	default:
		return "", false
	}
}
