package session

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// inboundFrame is either {"token": "..."} or {"message": "..."}.
type inboundFrame struct {
	Token   *string `json:"token"`
	Message *string `json:"message"`
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var frame inboundFrame

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&frame); err != nil {
		return inboundFrame{}, errors.Wrap(ErrProtocolViolation, err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return inboundFrame{}, errors.Wrap(ErrProtocolViolation, "trailing data after frame")
	}
	if (frame.Token == nil) == (frame.Message == nil) {
		return inboundFrame{}, errors.Wrap(ErrProtocolViolation, "frame must carry exactly one of token or message")
	}
	return frame, nil
}

// EventType tags an outbound event.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventStart       EventType = "start"
	EventChunk       EventType = "chunk"
	EventEnd         EventType = "end"
	EventError       EventType = "error"
)

// Event is one outbound frame.
type Event struct {
	Type    EventType `json:"type"`
	Content *string   `json:"content,omitempty"`
}

func UserMessageEvent(content string) Event {
	return Event{Type: EventUserMessage, Content: &content}
}

func StartEvent() Event { return Event{Type: EventStart} }

func ChunkEvent(content string) Event {
	return Event{Type: EventChunk, Content: &content}
}

func EndEvent() Event { return Event{Type: EventEnd} }

// ErrorEvent reports a turn that failed before streaming began.
func ErrorEvent(content string) Event {
	return Event{Type: EventError, Content: &content}
}
