// Package protocol defines the JSON wire envelope shared by every
// websocket endpoint, the inbound and outbound frame type vocabulary,
// and the stable numeric error codes clients key their handling on.
package protocol

import (
	"encoding/json"
	"time"
)

// Client -> server frame types.
const (
	TypeSubscribe           = "SUBSCRIBE"
	TypeUnsubscribe         = "UNSUBSCRIBE"
	TypeRequest             = "REQUEST"
	TypeCommand             = "COMMAND"
	TypeJoinRoom            = "JOIN_ROOM"
	TypeLeaveRoom           = "LEAVE_ROOM"
	TypeSendChatMessage     = "SEND_CHAT_MESSAGE"
	TypeParticipantActivity = "PARTICIPANT_ACTIVITY"
	TypeMarkRead            = "MARK_READ"
	TypeGetUnread           = "GET_UNREAD"
	TypePing                = "PING"
)

// Server -> client frame types.
const (
	TypeData            = "DATA"
	TypeAcknowledgment  = "ACKNOWLEDGMENT"
	TypeError           = "ERROR"
	TypeSystem          = "SYSTEM"
	TypePong            = "PONG"
	TypeTokenData       = "TOKEN_DATA"
	TypeTokenUpdate     = "TOKEN_UPDATE"
	TypeMarketData      = "MARKET_DATA"
	TypeWalletUpdate    = "WALLET_UPDATE"
	TypeWalletState     = "WALLET_STATE"
	TypeTransactions    = "TRANSACTIONS_UPDATE"
	TypeContestUpdated  = "CONTEST_UPDATED"
	TypeLeaderboard     = "LEADERBOARD_UPDATED"
	TypeChatMessage     = "CHAT_MESSAGE"
	TypeParticipantJoin = "PARTICIPANT_JOINED"
	TypeParticipantLeft = "PARTICIPANT_LEFT"
	TypeRoomState       = "ROOM_STATE"
	TypeSettingUpdate   = "SETTING_UPDATE"
	TypeUnread          = "UNREAD_NOTIFICATIONS"
	TypeReadConfirmed   = "READ_CONFIRMED"
	TypeServiceMetrics  = "SERVICE_METRICS"
	TypeDiagnostics     = "WEBSOCKET_DIAGNOSTICS"
)

// Frame is the single JSON envelope used in both directions. Optional
// fields are omitted when empty so acks and pings stay small.
type Frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`

	// Contest frames address rooms by id rather than topic string.
	ContestID int64 `json:"contestId,omitempty"`

	// COMMAND update_setting payload.
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	// SEND_CHAT_MESSAGE payload.
	Text string `json:"text,omitempty"`

	// MARK_READ payload.
	NotificationID int64 `json:"notificationId,omitempty"`

	// COMMAND / REQUEST discriminator ("update_setting", "balances", ...).
	Action string `json:"action,omitempty"`
}

// New builds an outbound frame stamped with the current time.
func New(frameType string) *Frame {
	return &Frame{
		Type:      frameType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewData builds an outbound event frame carrying an already-marshaled
// payload. Marshaling happens once per broadcast, never per subscriber.
func NewData(frameType, topic string, payload json.RawMessage) *Frame {
	f := New(frameType)
	f.Topic = topic
	f.Data = payload
	return f
}

// NewDataObject marshals payload and wraps it. For per-connection replies
// where the payload is built fresh anyway.
func NewDataObject(frameType, topic string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return NewData(frameType, topic, raw), nil
}

// NewAck acknowledges a client request. detail may be nil.
func NewAck(topic, requestID string, detail any) *Frame {
	f := New(TypeAcknowledgment)
	f.Topic = topic
	f.RequestID = requestID
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			f.Data = raw
		}
	}
	return f
}

// NewError converts any error into an ERROR frame. Non-protocol errors
// are masked as code 5001 so internals never leak to clients.
func NewError(err error, requestID string) *Frame {
	f := New(TypeError)
	f.RequestID = requestID
	if pe, ok := AsError(err); ok {
		f.Code = pe.Code
		f.Message = pe.Message
	} else {
		f.Code = CodeServerError
		f.Message = "internal server error"
	}
	return f
}

// Encode marshals the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
