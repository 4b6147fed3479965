package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pliu/chatty/internal/apperr"
)

const (
	KindNewMessage = "new_message"
	KindReadStatus = "read_status"
	KindUserStatus = "user_status"
	KindError      = "error"
)

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusAway    UserStatus = "away"
)

func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

// ErrMalformedFrame marks frames that could not be decoded at all. The
// session counts these toward its invalid frame limit.
var ErrMalformedFrame = fmt.Errorf("%w: malformed frame", apperr.ErrValidation)

// Inbound is a decoded client frame. The set of implementations is closed.
type Inbound interface {
	inbound()
	// FrameChatID is the chat id the client put on the frame, if any.
	FrameChatID() *int
}

type NewMessageFrame struct {
	ChatID         *int
	Text           string
	IdempotencyKey *string
}

type ReadStatusFrame struct {
	ChatID    *int
	MessageID int
}

type UserStatusFrame struct {
	ChatID *int
	Status UserStatus
}

func (NewMessageFrame) inbound() {}
func (ReadStatusFrame) inbound() {}
func (UserStatusFrame) inbound() {}

func (f NewMessageFrame) FrameChatID() *int { return f.ChatID }
func (f ReadStatusFrame) FrameChatID() *int { return f.ChatID }
func (f UserStatusFrame) FrameChatID() *int { return f.ChatID }

type wireFrame struct {
	MessageType    string  `json:"message_type"`
	ChatID         *int    `json:"chat_id"`
	Text           *string `json:"text"`
	IdempotencyKey *string `json:"idempotency_key"`
	MessageID      *int    `json:"message_id"`
	Status         string  `json:"status"`
}

// DecodeInbound parses a text frame. Undecodable JSON and unknown
// discriminators wrap ErrMalformedFrame; a known frame with missing fields
// is a plain validation error.
func DecodeInbound(raw []byte) (Inbound, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch w.MessageType {
	case KindNewMessage:
		if w.Text == nil {
			return nil, apperr.Validation("new_message requires text")
		}
		return NewMessageFrame{ChatID: w.ChatID, Text: *w.Text, IdempotencyKey: w.IdempotencyKey}, nil
	case KindReadStatus:
		if w.MessageID == nil {
			return nil, apperr.Validation("read_status requires message_id")
		}
		return ReadStatusFrame{ChatID: w.ChatID, MessageID: *w.MessageID}, nil
	case KindUserStatus:
		return UserStatusFrame{ChatID: w.ChatID, Status: UserStatus(w.Status)}, nil
	case "":
		return nil, fmt.Errorf("%w: message_type is required", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown message_type %q", ErrMalformedFrame, w.MessageType)
	}
}

// Notice is an outbound event. The set of implementations is closed.
type Notice interface {
	notice()
	Kind() string
}

type NewMessageNotice struct {
	MessageID int       `json:"message_id"`
	ChatID    int       `json:"chat_id"`
	SenderID  int       `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadStatusNotice struct {
	MessageID int       `json:"message_id"`
	ChatID    int       `json:"chat_id"`
	ReaderID  int       `json:"reader_id"`
	ReadBy    []int     `json:"read_by"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceNotice struct {
	ChatID    int        `json:"chat_id"`
	UserID    int        `json:"user_id"`
	Status    UserStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

type ErrorNotice struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (NewMessageNotice) notice() {}
func (ReadStatusNotice) notice() {}
func (PresenceNotice) notice()   {}
func (ErrorNotice) notice()      {}

func (NewMessageNotice) Kind() string { return KindNewMessage }
func (ReadStatusNotice) Kind() string { return KindReadStatus }
func (PresenceNotice) Kind() string   { return KindUserStatus }
func (ErrorNotice) Kind() string      { return KindError }

type tag struct {
	MessageType  string `json:"message_type,omitempty"`
	ResponseType string `json:"response_type,omitempty"`
}

// EncodeNotice renders n for peers, tagged with message_type.
func EncodeNotice(n Notice) ([]byte, error) {
	return encode(tag{MessageType: n.Kind()}, n)
}

// EncodeResponse renders n for the requesting client, tagged with
// response_type.
func EncodeResponse(n Notice) ([]byte, error) {
	return encode(tag{ResponseType: n.Kind()}, n)
}

func encode(t tag, n Notice) ([]byte, error) {
	switch v := n.(type) {
	case NewMessageNotice:
		return json.Marshal(struct {
			tag
			NewMessageNotice
		}{t, v})
	case ReadStatusNotice:
		return json.Marshal(struct {
			tag
			ReadStatusNotice
		}{t, v})
	case PresenceNotice:
		return json.Marshal(struct {
			tag
			PresenceNotice
		}{t, v})
	case ErrorNotice:
		return json.Marshal(struct {
			tag
			ErrorNotice
		}{t, v})
	default:
		return nil, fmt.Errorf("unsupported notice %T", n)
	}
}
