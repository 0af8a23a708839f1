// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

type (
	RoomID      string
	PeerID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrBadMediaKind  = errors.New("media kind must be audio or video")
)

// MediaKind distinguishes audio and video streams.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaAudio, MediaVideo:
		return MediaKind(s), nil
	}
	return "", ErrBadMediaKind
}

func ValidateRoomID(id RoomID) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
