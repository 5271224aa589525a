// Package protocol defines the JSON events exchanged with browser clients and
// with the upstream realtime service. Each direction is a closed set of
// variants with an explicit unknown variant for forward compatibility.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for frames that are not a JSON object with a type.
var ErrMalformed = errors.New("malformed client event")

// Client event type names.
const (
	TypeAudio                  = "audio"
	TypeText                   = "text"
	TypeAudioCommit            = "audio_commit"
	TypeAudioClear             = "audio_clear"
	TypeCancelResponse         = "cancel_response"
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

// ClientEvent is one decoded client frame.
type ClientEvent interface {
	clientEvent()
}

type AudioAppend struct{ Audio string }

type TextMessage struct{ Text string }

type AudioCommit struct{}

type AudioClear struct{}

type CancelResponse struct{}

// SessionUpdate carries the client-adjustable session fields. Nil pointers and
// empty strings mean "leave unchanged".
type SessionUpdate struct {
	Instructions *string
	Voice        string
	Temperature  *float64
}

type ConversationItemCreate struct {
	Role string
	Text string
}

type ResponseCreate struct{}

// UnknownClientEvent keeps frames whose type this build does not understand.
type UnknownClientEvent struct {
	Type string
	Raw  json.RawMessage
}

func (AudioAppend) clientEvent()            {}
func (TextMessage) clientEvent()            {}
func (AudioCommit) clientEvent()            {}
func (AudioClear) clientEvent()             {}
func (CancelResponse) clientEvent()         {}
func (SessionUpdate) clientEvent()          {}
func (ConversationItemCreate) clientEvent() {}
func (ResponseCreate) clientEvent()         {}
func (UnknownClientEvent) clientEvent()     {}

type clientFrame struct {
	Type    string `json:"type"`
	Audio   string `json:"audio"`
	Text    string `json:"text"`
	Session *struct {
		Instructions *string  `json:"instructions"`
		Voice        string   `json:"voice"`
		Temperature  *float64 `json:"temperature"`
	} `json:"session"`
	Item *struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

// DecodeClientEvent parses one client frame.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeAudio:
		if f.Audio == "" {
			return nil, fmt.Errorf("%w: audio without payload", ErrMalformed)
		}
		return AudioAppend{Audio: f.Audio}, nil
	case TypeText:
		if strings.TrimSpace(f.Text) == "" {
			return nil, fmt.Errorf("%w: empty text", ErrMalformed)
		}
		return TextMessage{Text: f.Text}, nil
	case TypeAudioCommit:
		return AudioCommit{}, nil
	case TypeAudioClear:
		return AudioClear{}, nil
	case TypeCancelResponse:
		return CancelResponse{}, nil
	case TypeSessionUpdate:
		var u SessionUpdate
		if f.Session != nil {
			u.Instructions = f.Session.Instructions
			u.Voice = f.Session.Voice
			u.Temperature = f.Session.Temperature
		}
		return u, nil
	case TypeConversationItemCreate:
		ev := ConversationItemCreate{Role: "user", Text: f.Text}
		if f.Item != nil {
			if f.Item.Role != "" {
				ev.Role = f.Item.Role
			}
			var parts []string
			for _, c := range f.Item.Content {
				if c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				ev.Text = strings.Join(parts, "\n")
			}
		}
		if ev.Text == "" {
			return nil, fmt.Errorf("%w: conversation item without text", ErrMalformed)
		}
		return ev, nil
	case TypeResponseCreate:
		return ResponseCreate{}, nil
	default:
		return UnknownClientEvent{Type: f.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
