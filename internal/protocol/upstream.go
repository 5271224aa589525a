package protocol

import (
	"encoding/json"
	"fmt"
)

// UpstreamEvent is one decoded frame from the realtime service.
type UpstreamEvent interface {
	upstreamEvent()
}

type UpstreamSession struct {
	SessionID  string
	Voice      string
	Modalities []string
	Updated    bool
}

type UpstreamSpeechStarted struct {
	ItemID       string
	AudioStartMs int64
}

type UpstreamSpeechStopped struct {
	ItemID     string
	AudioEndMs int64
}

type UpstreamItemCreated struct {
	ItemID string
	Role   string
}

type UpstreamTranscription struct {
	ItemID     string
	Transcript string
}

type UpstreamResponseCreated struct{ ResponseID string }

// UpstreamTextDelta covers both text and audio-transcript deltas.
type UpstreamTextDelta struct {
	ResponseID string
	Delta      string
}

type UpstreamTextDone struct {
	ResponseID string
	Text       string
}

type UpstreamAudioDelta struct {
	ResponseID string
	Delta      string
}

type UpstreamAudioDone struct{ ResponseID string }

type UpstreamResponseDone struct {
	ResponseID string
	Status     string
	Usage      *Usage
}

type UpstreamRateLimits struct{ Raw json.RawMessage }

type UpstreamError struct {
	Code    string
	Message string
}

// UpstreamAck is a recognized bookkeeping event that has no client form.
type UpstreamAck struct{ Type string }

type UnknownUpstreamEvent struct {
	Type string
	Raw  json.RawMessage
}

func (UpstreamSession) upstreamEvent()         {}
func (UpstreamSpeechStarted) upstreamEvent()   {}
func (UpstreamSpeechStopped) upstreamEvent()   {}
func (UpstreamItemCreated) upstreamEvent()     {}
func (UpstreamTranscription) upstreamEvent()   {}
func (UpstreamResponseCreated) upstreamEvent() {}
func (UpstreamTextDelta) upstreamEvent()       {}
func (UpstreamTextDone) upstreamEvent()        {}
func (UpstreamAudioDelta) upstreamEvent()      {}
func (UpstreamAudioDone) upstreamEvent()       {}
func (UpstreamResponseDone) upstreamEvent()    {}
func (UpstreamRateLimits) upstreamEvent()      {}
func (UpstreamError) upstreamEvent()           {}
func (UpstreamAck) upstreamEvent()             {}
func (UnknownUpstreamEvent) upstreamEvent()    {}

type upstreamFrame struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	ResponseID string          `json:"response_id"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	StartMs    int64           `json:"audio_start_ms"`
	EndMs      int64           `json:"audio_end_ms"`
	RateLimits json.RawMessage `json:"rate_limits"`
	Session    *struct {
		ID         string   `json:"id"`
		Voice      string   `json:"voice"`
		Modalities []string `json:"modalities"`
	} `json:"session"`
	Item *struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"item"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Usage  *Usage `json:"usage"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeUpstreamEvent parses one realtime service frame. Unrecognized types
// decode to UnknownUpstreamEvent carrying the raw frame.
func DecodeUpstreamEvent(data []byte) (UpstreamEvent, error) {
	var f upstreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode upstream event: %w", err)
	}
	switch f.Type {
	case "session.created", "session.updated":
		ev := UpstreamSession{Updated: f.Type == "session.updated"}
		if f.Session != nil {
			ev.SessionID, ev.Voice, ev.Modalities = f.Session.ID, f.Session.Voice, f.Session.Modalities
		}
		return ev, nil
	case "input_audio_buffer.speech_started":
		return UpstreamSpeechStarted{ItemID: f.ItemID, AudioStartMs: f.StartMs}, nil
	case "input_audio_buffer.speech_stopped":
		return UpstreamSpeechStopped{ItemID: f.ItemID, AudioEndMs: f.EndMs}, nil
	case "conversation.item.created":
		ev := UpstreamItemCreated{}
		if f.Item != nil {
			ev.ItemID, ev.Role = f.Item.ID, f.Item.Role
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.completed":
		return UpstreamTranscription{ItemID: f.ItemID, Transcript: f.Transcript}, nil
	case "response.created":
		ev := UpstreamResponseCreated{}
		if f.Response != nil {
			ev.ResponseID = f.Response.ID
		}
		return ev, nil
	case "response.text.delta", "response.audio_transcript.delta":
		return UpstreamTextDelta{ResponseID: f.ResponseID, Delta: f.Delta}, nil
	case "response.text.done":
		return UpstreamTextDone{ResponseID: f.ResponseID, Text: f.Text}, nil
	case "response.audio_transcript.done":
		return UpstreamTextDone{ResponseID: f.ResponseID, Text: f.Transcript}, nil
	case "response.audio.delta":
		return UpstreamAudioDelta{ResponseID: f.ResponseID, Delta: f.Delta}, nil
	case "response.audio.done":
		return UpstreamAudioDone{ResponseID: f.ResponseID}, nil
	case "response.done":
		ev := UpstreamResponseDone{Status: StatusCompleted}
		if f.Response != nil {
			ev.ResponseID, ev.Usage = f.Response.ID, f.Response.Usage
			if f.Response.Status != "" {
				ev.Status = f.Response.Status
			}
		}
		return ev, nil
	case "rate_limits.updated":
		return UpstreamRateLimits{Raw: f.RateLimits}, nil
	case "error":
		ev := UpstreamError{Message: "upstream error"}
		if f.Error != nil {
			ev.Code = f.Error.Code
			if f.Error.Message != "" {
				ev.Message = f.Error.Message
			}
		}
		return ev, nil
	case "input_audio_buffer.committed", "input_audio_buffer.cleared",
		"response.output_item.added", "response.output_item.done",
		"response.content_part.added", "response.content_part.done":
		return UpstreamAck{Type: f.Type}, nil
	default:
		return UnknownUpstreamEvent{Type: f.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outgoing is a frame sent to the realtime service.
type Outgoing struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *SessionConfig `json:"session,omitempty"`
	Item    *Item          `json:"item,omitempty"`
}

type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            *string              `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             *float64             `json:"temperature,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ItemContent `json:"content"`
}

type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Modalities used by both session kinds.
var DefaultModalities = []string{"text", "audio"}

// InitialSession is the configuration sent right after the upstream connects.
func InitialSession(instructions, voice, transcribeModel string, temperature float64) Outgoing {
	return Outgoing{Type: "session.update", Session: &SessionConfig{
		Modalities:              DefaultModalities,
		Instructions:            &instructions,
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &TranscriptionConfig{Model: transcribeModel},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Temperature: &temperature,
	}}
}

// PartialSession forwards a client session.update. Instructions present in
// the update are sent even when empty, so a client can clear them.
func PartialSession(u SessionUpdate) Outgoing {
	return Outgoing{Type: "session.update", Session: &SessionConfig{
		Instructions: u.Instructions,
		Voice:        u.Voice,
		Temperature:  u.Temperature,
	}}
}

func AppendAudio(audio string) Outgoing { return Outgoing{Type: "input_audio_buffer.append", Audio: audio} }
func CommitAudio() Outgoing            { return Outgoing{Type: "input_audio_buffer.commit"} }
func ClearAudio() Outgoing             { return Outgoing{Type: "input_audio_buffer.clear"} }
func CreateResponse() Outgoing         { return Outgoing{Type: "response.create"} }
func CancelInFlight() Outgoing         { return Outgoing{Type: "response.cancel"} }

// UserText wraps text as a conversation turn.
func UserText(role, text string) Outgoing {
	if role == "" {
		role = "user"
	}
	typ := "input_text"
	if role == "assistant" {
		typ = "text"
	}
	return Outgoing{Type: "conversation.item.create", Item: &Item{
		Type:    "message",
		Role:    role,
		Content: []ItemContent{{Type: typ, Text: text}},
	}}
}
