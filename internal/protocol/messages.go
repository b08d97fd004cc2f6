package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSay       MessageType = "say"
	TypeSayResult MessageType = "say_result"
	TypeTTSState  MessageType = "tts_state"
	TypeTTSMouth  MessageType = "tts_mouth"

	// Operator messages are produced and consumed by external collaborators;
	// the relay only caches and rebroadcasts them.
	TypeOperatorState            MessageType = "operator_state"
	TypeOperatorTerminalSnapshot MessageType = "operator_terminal_snapshot"
	TypeOperatorPrompt           MessageType = "operator_prompt"
	TypeOperatorAck              MessageType = "operator_ack"
)

// Version is the envelope version stamped on every outbound message.
const Version = 1

var ErrMissingType = errors.New("payload has no type")

type Envelope struct {
	V    int         `json:"v"`
	Type MessageType `json:"type"`
}

// Say is an inbound producer request for one speech utterance. Priority stays
// loose because producers send it as a number or a numeric string; the arbiter
// clamps it.
type Say struct {
	V           int         `json:"v"`
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Text        string      `json:"text"`
	Priority    any         `json:"priority,omitempty"`
	Policy      string      `json:"policy,omitempty"`
	TTLMs       *int64      `json:"ttl_ms,omitempty"`
	DedupeKey   string      `json:"dedupe_key,omitempty"`
	UtteranceID string      `json:"utterance_id,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	Revision    *int64      `json:"revision,omitempty"`
	TS          *int64      `json:"ts,omitempty"`
}

// SayResult answers a Say on the broadcast channel so the direct caller and
// passive observers agree on the outcome.
type SayResult struct {
	V           int         `json:"v"`
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	Revision    int64       `json:"revision,omitempty"`
	Accepted    bool        `json:"accepted"`
	Spoken      bool        `json:"spoken"`
	Reason      string      `json:"reason,omitempty"`
	Generation  int64       `json:"generation,omitempty"`
	Queued      bool        `json:"queued,omitempty"`
	TS          int64       `json:"ts"`
}

// TTSState reports utterance lifecycle phases (queued, play_start, play_stop,
// dropped, interrupt_requested, worker_ready, worker_error, worker_unavailable).
type TTSState struct {
	V               int         `json:"v"`
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	UtteranceID     string      `json:"utterance_id,omitempty"`
	Phase           string      `json:"phase"`
	Reason          string      `json:"reason,omitempty"`
	Generation      int64       `json:"generation,omitempty"`
	ByGeneration    int64       `json:"by_generation,omitempty"`
	ExpiresAt       int64       `json:"expires_at,omitempty"`
	MessageID       string      `json:"message_id,omitempty"`
	Revision        int64       `json:"revision,omitempty"`
	Voice           string      `json:"voice,omitempty"`
	Engine          string      `json:"engine,omitempty"`
	PlaybackBackend string      `json:"playback_backend,omitempty"`
	TS              int64       `json:"ts"`
}

// TTSMouth carries viseme telemetry for the currently playing generation.
type TTSMouth struct {
	V           int         `json:"v"`
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id,omitempty"`
	Generation  int64       `json:"generation"`
	MessageID   string      `json:"message_id,omitempty"`
	Revision    int64       `json:"revision,omitempty"`
	Open        float64     `json:"open"`
	TS          int64       `json:"ts"`
}

// Passthrough wraps an inbound payload the hub does not interpret itself.
// The relay rebroadcasts it and, for the stateful operator types, caches it.
type Passthrough struct {
	Type   MessageType
	Fields map[string]any
}

// ParseClientPayload decodes an inbound text frame into a tagged variant.
// Say payloads get a strict shape check here so malformed requests never
// reach the arbiter; everything else passes through for relaying.
func ParseClientPayload(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeSay:
		var msg Say
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid say: %w", err)
		}
		return msg, nil
	default:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		return Passthrough{Type: env.Type, Fields: fields}, nil
	}
}

// NormalizeSay stamps the identity fields a say may omit: fallback
// message_id, ts, and revision (defaulting to ts). Stamping happens once at
// the ingress edge so the arbiter, the say_result, and every relayed copy of
// the request agree on the same ids.
func NormalizeSay(say Say, now time.Time) Say {
	if say.V == 0 {
		say.V = Version
	}
	say.MessageID = strings.TrimSpace(say.MessageID)
	if say.MessageID == "" {
		say.MessageID = uuid.NewString()
	}
	if say.TS == nil {
		ts := now.UnixMilli()
		say.TS = &ts
	}
	if say.Revision == nil {
		rev := *say.TS
		say.Revision = &rev
	}
	return say
}

// ClampPriority normalizes any numeric or numeric-string priority into [0,3].
func ClampPriority(v any) int {
	n := 0
	switch t := v.(type) {
	case nil:
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case json.Number:
		if parsed, err := t.Int64(); err == nil {
			n = int(parsed)
		} else if f, err := t.Float64(); err == nil {
			n = int(f)
		}
	case string:
		trimmed := strings.TrimSpace(t)
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			n = parsed
		} else if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			n = int(f)
		}
	}
	if n < 0 {
		return 0
	}
	if n > 3 {
		return 3
	}
	return n
}

// NormalizePolicy collapses unknown policies to "replace".
func NormalizePolicy(v string) string {
	if v == "interrupt" {
		return "interrupt"
	}
	return "replace"
}

// NormalizeSessionID maps absent session ids to the "-" default key.
func NormalizeSessionID(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "-"
	}
	return trimmed
}
