package models

import (
	"encoding/json"
	"fmt"
)

// MessageType names an event on the relay websocket
type MessageType string

const (
	// client -> relay
	MessageTypeJoinRoom  MessageType = "join-room"
	MessageTypeLeaveRoom MessageType = "leave-room"

	// relay -> client
	MessageTypeConnected  MessageType = "connected"
	MessageTypeRoomUsers  MessageType = "room-users"
	MessageTypeUserJoined MessageType = "user-joined"
	MessageTypeUserLeft   MessageType = "user-left"
	MessageTypeJoinDenied MessageType = "join-denied"
	MessageTypeRoomClosed MessageType = "room-closed"

	// both directions
	MessageTypeSignal MessageType = "signal"
)

// Message is the envelope for every frame exchanged with the relay.
// Data holds one of the event structs below, selected by Type.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data into an envelope of the given type
func NewMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

// Decode unmarshals the envelope data into v
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: missing data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Connected is sent once per connection with the id the relay assigned
type Connected struct {
	ID string `json:"id"`
}

// JoinRoomRequest is sent by a client to enter (or create) a room
type JoinRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	IsPrivate   bool   `json:"isPrivate"`
	Token       string `json:"token,omitempty"`
}

// LeaveRoomRequest is sent by a client to leave its room
type LeaveRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Member identifies a participant inside a room
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// RoomInfo is the privacy metadata returned on a successful join.
// Token is only present for the creator of a private room.
type RoomInfo struct {
	IsPrivate bool   `json:"isPrivate"`
	Token     string `json:"token,omitempty"`
}

// RoomUsers is the reply to a successful join
type RoomUsers struct {
	Others   []Member `json:"others"`
	RoomInfo RoomInfo `json:"roomInfo"`
}

// UserEvent is the payload of user-joined and user-left
type UserEvent = Member

// JoinDenied is sent to a requester whose join was refused
type JoinDenied struct {
	Message string `json:"message"`
}

// RoomClosed is sent to every member of a room evicted by an operator
type RoomClosed struct {
	RoomID string `json:"roomId"`
}

// Signal carries an opaque payload between two participants.
// Clients fill To; the relay replaces it with From before forwarding.
type Signal struct {
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
