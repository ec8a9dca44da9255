// Package protocol defines the JSON frames exchanged over the signaling socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/jamroom/internal/domain"
)

type Event string

const (
	EventWelcome           Event = "welcome"
	EventCreateRoom        Event = "create_room"
	EventRoomCreated       Event = "room_created"
	EventCreateRoomError   Event = "create_room_error"
	EventJoinRoom          Event = "join_room"
	EventRoomJoined        Event = "room_joined"
	EventJoinRoomError     Event = "join_room_error"
	EventLeaveRoom         Event = "leave_room"
	EventRoomLeft          Event = "room_left"
	EventUserJoined        Event = "user_joined"
	EventUserLeft          Event = "user_left"
	EventAdminChanged      Event = "admin_changed"
	EventRequestUserList   Event = "request_user_list"
	EventUserList          Event = "user_list"
	EventTrackToggle       Event = "track_toggle"
	EventWebRTCSignal      Event = "webrtc_signal"
	EventPingRequest       Event = "ping_request"
	EventPingResponse      Event = "ping_response"
	EventRequestReconnect  Event = "request_reconnect"
	EventConnectionQuality Event = "connection_quality"
	EventSignalError       Event = "signal_error"
)

// Error codes carried by create_room_error and join_room_error.
const (
	CodeRoomNotFound = "room_not_found"
	CodeValidation   = "validation"
	CodeRateLimited  = "rate_limited"
	CodeBadPayload   = "bad_payload"
)

// Message is one socket frame.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data and wraps it into a frame.
func Encode(ev Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev, err)
	}
	return json.Marshal(Message{Event: ev, Data: raw})
}

func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return m, fmt.Errorf("decode frame: %w", err)
	}
	if m.Event == "" {
		return m, fmt.Errorf("decode frame: missing event")
	}
	return m, nil
}

// Bind unmarshals the frame data into v.
func (m Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("bind %s: %w", m.Event, err)
	}
	return nil
}

type Welcome struct {
	UserID domain.ConnID `json:"userId"`
}

type CreateRoom struct {
	Name       string            `json:"name"`
	Instrument string            `json:"instrument"`
	Media      domain.MediaFlags `json:"media"`
}

func (c CreateRoom) Info() domain.ParticipantInfo {
	return domain.ParticipantInfo{Name: c.Name, Instrument: c.Instrument, Media: c.Media}
}

type JoinRoom struct {
	RoomID     domain.RoomID     `json:"roomId"`
	Name       string            `json:"name"`
	Instrument string            `json:"instrument"`
	Media      domain.MediaFlags `json:"media"`
}

func (j JoinRoom) Info() domain.ParticipantInfo {
	return domain.ParticipantInfo{Name: j.Name, Instrument: j.Instrument, Media: j.Media}
}

// RoomState answers create_room and join_room.
type RoomState struct {
	RoomID       domain.RoomID        `json:"roomId"`
	UserID       domain.ConnID        `json:"userId"`
	Participants []domain.Participant `json:"participants"`
}

type RoomError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type RoomLeft struct {
	RoomID domain.RoomID `json:"roomId"`
}

type UserJoined struct {
	User domain.Participant `json:"user"`
}

type UserLeft struct {
	UserID   domain.ConnID `json:"userId"`
	UserName string        `json:"userName"`
}

type AdminChanged struct {
	Admin domain.ConnID `json:"admin"`
}

type RequestUserList struct {
	RoomID domain.RoomID `json:"roomId"`
}

type UserList struct {
	RoomID domain.RoomID        `json:"roomId"`
	Users  []domain.Participant `json:"users"`
}

type TrackToggle struct {
	UserID  domain.ConnID    `json:"userId,omitempty"`
	Type    domain.MediaKind `json:"type"`
	Enabled bool             `json:"enabled"`
}

// WebRTCSignal carries offer, answer and candidate payloads.
type WebRTCSignal struct {
	From   domain.ConnID     `json:"from,omitempty"`
	To     domain.ConnID     `json:"to"`
	Type   domain.SignalType `json:"type"`
	Signal json.RawMessage   `json:"signal"`
	RoomID domain.RoomID     `json:"roomId"`
}

// Ping is used for both ping_request and ping_response. Timestamp is unix millis
// taken by the probing side and echoed back unchanged.
type Ping struct {
	From      domain.ConnID `json:"from,omitempty"`
	To        domain.ConnID `json:"to"`
	Timestamp int64         `json:"timestamp"`
	RoomID    domain.RoomID `json:"roomId"`
}

// ReconnectRequest names the target peer on the way in and the requester on the way out.
type ReconnectRequest struct {
	UserID domain.ConnID `json:"userId"`
	RoomID domain.RoomID `json:"roomId"`
}

type ConnectionQuality struct {
	UserID   domain.ConnID          `json:"userId,omitempty"`
	PeerID   domain.ConnID          `json:"peerId,omitempty"`
	RoomID   domain.RoomID          `json:"roomId"`
	Score    float64                `json:"score"`
	Category domain.QualityCategory `json:"category"`
	Latency  int64                  `json:"latency"`
	Jitter   int64                  `json:"jitter"`
}

type SignalError struct {
	Error string `json:"error"`
}
