package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer            SignalType = "offer"
	SignalAnswer           SignalType = "answer"
	SignalCandidate        SignalType = "candidate"
	SignalQuality          SignalType = "quality"
	SignalPing             SignalType = "ping"
	SignalPong             SignalType = "pong"
	SignalReconnectRequest SignalType = "reconnect-request"
)

// Broadcast is the "to" value addressing every other socket in the room.
const Broadcast ConnID = "all"

// SignalEnvelope is an addressed signaling message. The relay never reads Payload.
type SignalEnvelope struct {
	From    ConnID          `json:"from"`
	To      ConnID          `json:"to"`
	Type    SignalType      `json:"type"`
	RoomID  RoomID          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
