package models

import "time"

// RoomSummary is the operator view of a live room. It never carries the token.
type RoomSummary struct {
	ID          string    `json:"id"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedAt   time.Time `json:"createdAt"`
	MemberCount int       `json:"memberCount"`
	Members     []Member  `json:"members,omitempty"`
}

// Presence is the snapshot mirrored to Redis after each membership change
type Presence struct {
	RoomID    string    `msgpack:"room_id"`
	IsPrivate bool      `msgpack:"is_private"`
	Members   []Member  `msgpack:"members"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}
