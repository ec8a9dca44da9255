// Package domain contains entities without transport logic, just room meta-data.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxNameLen       = 36
	MaxInstrumentLen = 36
)

// ConnID identifies one signaling connection. A participant is bound to exactly one.
type ConnID string

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaFlags struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Set returns a copy with the flag for kind changed. Unknown kinds are ignored.
func (f MediaFlags) Set(kind MediaKind, enabled bool) MediaFlags {
	switch kind {
	case MediaAudio:
		f.Audio = enabled
	case MediaVideo:
		f.Video = enabled
	}
	return f
}

// ParticipantInfo is what a connection supplies when creating or joining a room.
type ParticipantInfo struct {
	Name       string     `json:"name"`
	Instrument string     `json:"instrument"`
	Media      MediaFlags `json:"media"`
}

// Normalize trims the info and checks required fields.
func (p ParticipantInfo) Normalize() (ParticipantInfo, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Instrument = strings.TrimSpace(p.Instrument)
	switch {
	case p.Name == "":
		return p, &ValidationError{Field: "name", Err: ErrNameEmpty}
	case utf8.RuneCountInString(p.Name) > MaxNameLen:
		return p, &ValidationError{Field: "name", Err: ErrNameTooLong}
	case p.Instrument == "":
		return p, &ValidationError{Field: "instrument", Err: ErrInstrumentEmpty}
	case utf8.RuneCountInString(p.Instrument) > MaxInstrumentLen:
		return p, &ValidationError{Field: "instrument", Err: ErrInstrumentTooLong}
	}
	return p, nil
}

type Participant struct {
	ID         ConnID     `json:"id"`
	Name       string     `json:"name"`
	Instrument string     `json:"instrument"`
	IsAdmin    bool       `json:"isAdmin"`
	JoinedAt   time.Time  `json:"joinedAt"`
	Media      MediaFlags `json:"mediaFlags"`
}

// NewParticipant avoids ad-hoc struct literals in the registry.
func NewParticipant(id ConnID, info ParticipantInfo, admin bool, now time.Time) Participant {
	return Participant{
		ID:         id,
		Name:       info.Name,
		Instrument: info.Instrument,
		IsAdmin:    admin,
		JoinedAt:   now,
		Media:      info.Media,
	}
}
