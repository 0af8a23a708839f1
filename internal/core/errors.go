package core

import (
	"errors"
	"fmt"
)

// EntityKind names the entity class a failed lookup was for.
type EntityKind string

const (
	KindRoom      EntityKind = "room"
	KindPeer      EntityKind = "peer"
	KindTransport EntityKind = "transport"
	KindProducer  EntityKind = "producer"
	KindConsumer  EntityKind = "consumer"
)

// NotFoundError means the client referenced an id with no matching live
// entity. Never fatal to the room.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func notFound(kind EntityKind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a lookup failure of any entity kind.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

var (
	// Media engine refusals. The entity in question is never registered.
	ErrMediaEngineUnavailable  = errors.New("media engine unavailable")
	ErrTransportCreationFailed = errors.New("transport creation failed")
	ErrConnectFailed           = errors.New("transport connect failed")

	// ErrTransportNotConnected rejects produce/consume on a transport whose
	// DTLS handshake parameters were never supplied.
	ErrTransportNotConnected = errors.New("transport not connected")

	// Protocol sequencing violations. Connection state is left unchanged.
	ErrNotJoined     = errors.New("not joined to a room")
	ErrAlreadyJoined = errors.New("already joined to a room")

	ErrRoomClosed = errors.New("room closed")
)
