package protocol

import (
	"encoding/json"
	"time"
)

// Server event type names. Both session kinds emit only these.
const (
	EventSessionReady            = "session_ready"
	EventSessionUpdated          = "session_updated"
	EventConversationItemCreated = "conversation_item_created"
	EventSpeechStarted           = "speech_started"
	EventSpeechStopped           = "speech_stopped"
	EventTranscription           = "transcription"
	EventResponseCreated         = "response_created"
	EventTextDelta               = "text_delta"
	EventTextDone                = "text_done"
	EventAudioDelta              = "audio_delta"
	EventAudioDone               = "audio_done"
	EventResponseComplete        = "response_complete"
	EventError                   = "error"
	EventUpstream                = "upstream_event"
)

// Response statuses reported in response_created / response_complete.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Client-visible error messages.
const (
	ErrMsgUnavailable      = "Service temporarily unavailable, please try again later"
	ErrMsgRateLimited      = "Rate limit exceeded"
	ErrMsgQuotaExceeded    = "Maximum concurrent sessions reached"
	ErrMsgConnectFailed    = "Failed to connect to voice service"
	ErrMsgConnectionLost   = "Connection lost, please refresh"
	ErrMsgGenerateFailed   = "Failed to generate response"
	ErrMsgInvalidMessage   = "Invalid message format"
	ErrMsgNotConnected     = "Not connected to voice service"
	ErrMsgTranscribeFailed = "Failed to transcribe audio"
	ErrMsgAudioBufferFull  = "Audio buffer full, commit or clear it first"
)

// Usage is token accounting attached to response_complete.
type Usage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ServerEvent is the single wire shape sent to clients.
type ServerEvent struct {
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	SessionID    string          `json:"session_id,omitempty"`
	Voice        string          `json:"voice,omitempty"`
	Modalities   []string        `json:"modalities,omitempty"`
	Fallback     bool            `json:"fallback,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	Role         string          `json:"role,omitempty"`
	ResponseID   string          `json:"response_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Text         string          `json:"text,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	AudioStartMs *int64          `json:"audio_start_ms,omitempty"`
	AudioEndMs   *int64          `json:"audio_end_ms,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Error        string          `json:"error,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// Stamp sets the timestamp if it has not been set yet.
func (e ServerEvent) Stamp(t time.Time) ServerEvent {
	if e.Timestamp == 0 {
		e.Timestamp = t.UnixMilli()
	}
	return e
}

func SessionReady(sessionID, voice string, modalities []string, fallback bool) ServerEvent {
	return ServerEvent{Type: EventSessionReady, SessionID: sessionID, Voice: voice, Modalities: modalities, Fallback: fallback}
}

func SessionUpdated(sessionID, voice string, modalities []string) ServerEvent {
	return ServerEvent{Type: EventSessionUpdated, SessionID: sessionID, Voice: voice, Modalities: modalities}
}

func ItemCreated(itemID, role string) ServerEvent {
	return ServerEvent{Type: EventConversationItemCreated, ItemID: itemID, Role: role}
}

func SpeechStarted(itemID string, startMs int64) ServerEvent {
	return ServerEvent{Type: EventSpeechStarted, ItemID: itemID, AudioStartMs: &startMs}
}

func SpeechStopped(itemID string, endMs int64) ServerEvent {
	return ServerEvent{Type: EventSpeechStopped, ItemID: itemID, AudioEndMs: &endMs}
}

func Transcription(itemID, text string) ServerEvent {
	return ServerEvent{Type: EventTranscription, ItemID: itemID, Text: text}
}

func ResponseCreated(responseID string) ServerEvent {
	return ServerEvent{Type: EventResponseCreated, ResponseID: responseID, Status: StatusInProgress}
}

func TextDelta(responseID, delta string) ServerEvent {
	return ServerEvent{Type: EventTextDelta, ResponseID: responseID, Delta: delta}
}

func TextDone(responseID, text string) ServerEvent {
	return ServerEvent{Type: EventTextDone, ResponseID: responseID, Text: text}
}

func AudioDelta(responseID, delta string) ServerEvent {
	return ServerEvent{Type: EventAudioDelta, ResponseID: responseID, Delta: delta}
}

func AudioDone(responseID string) ServerEvent {
	return ServerEvent{Type: EventAudioDone, ResponseID: responseID}
}

func ResponseComplete(responseID, status string, usage *Usage) ServerEvent {
	return ServerEvent{Type: EventResponseComplete, ResponseID: responseID, Status: status, Usage: usage}
}

func Error(msg string) ServerEvent {
	return ServerEvent{Type: EventError, Error: msg}
}

// Passthrough wraps an upstream event this build does not translate.
func Passthrough(raw json.RawMessage) ServerEvent {
	return ServerEvent{Type: EventUpstream, Event: raw}
}
