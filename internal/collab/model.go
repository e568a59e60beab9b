package collab

import (
	"errors"
	"fmt"
	"strings"
)

const (
	roomKeySeparator    = "::"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidRoomKey indicates that a room key or one of its parts is invalid.
	ErrInvalidRoomKey = errors.New("collab: invalid room key")
	// ErrInvalidConnectionID indicates that a connection identifier is invalid.
	ErrInvalidConnectionID = errors.New("collab: invalid connection id")
	// ErrMalformedFragment indicates that a fragment does not decode under the CRDT codec.
	ErrMalformedFragment = errors.New("collab: malformed fragment")
	// ErrNotSubscribed indicates that a connection is not a member of the room.
	ErrNotSubscribed = errors.New("collab: connection not subscribed to room")
	// ErrAlreadySubscribed indicates that a connection already joined the room.
	ErrAlreadySubscribed = errors.New("collab: connection already subscribed to room")
	// ErrServiceClosed indicates that the service is shutting down.
	ErrServiceClosed = errors.New("collab: service closed")
)

// RoomKey identifies one collaboration room by session and file.
type RoomKey struct {
	sessionID string
	fileID    string
}

// NewRoomKey validates the parts and returns a RoomKey.
func NewRoomKey(sessionID, fileID string) (RoomKey, error) {
	session, err := validateKeyPart(sessionID, "session id")
	if err != nil {
		return RoomKey{}, err
	}
	file, err := validateKeyPart(fileID, "file id")
	if err != nil {
		return RoomKey{}, err
	}
	return RoomKey{sessionID: session, fileID: file}, nil
}

// ParseRoomKey parses the canonical "<session>::<file>" wire form.
func ParseRoomKey(raw string) (RoomKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RoomKey{}, fmt.Errorf("%w: empty", ErrInvalidRoomKey)
	}
	sessionID, fileID, found := strings.Cut(trimmed, roomKeySeparator)
	if !found {
		return RoomKey{}, fmt.Errorf("%w: missing %q separator", ErrInvalidRoomKey, roomKeySeparator)
	}
	return NewRoomKey(sessionID, fileID)
}

func validateKeyPart(rawInput, label string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidRoomKey, label)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidRoomKey, label, maxIdentifierLength)
	}
	if strings.Contains(trimmed, roomKeySeparator) {
		return "", fmt.Errorf("%w: %s contains %q", ErrInvalidRoomKey, label, roomKeySeparator)
	}
	return trimmed, nil
}

// SessionID returns the session part of the key.
func (key RoomKey) SessionID() string {
	return key.sessionID
}

// FileID returns the file part of the key.
func (key RoomKey) FileID() string {
	return key.fileID
}

// String returns the canonical wire form of the key.
func (key RoomKey) String() string {
	return key.sessionID + roomKeySeparator + key.fileID
}

// IsZero reports whether the key carries no identifiers.
func (key RoomKey) IsZero() bool {
	return key.sessionID == "" && key.fileID == ""
}

// ConnectionID represents a validated connection identifier.
type ConnectionID string

// NewConnectionID validates raw input and returns a ConnectionID.
func NewConnectionID(rawInput string) (ConnectionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConnectionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConnectionID, maxIdentifierLength)
	}
	return ConnectionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConnectionID) String() string {
	return string(id)
}

// MessageKind enumerates the message types delivered to subscribers.
type MessageKind string

const (
	// MessageKindUpdate carries a document update fragment from a peer.
	MessageKindUpdate MessageKind = "update"
	// MessageKindAwareness carries an ephemeral awareness fragment from a peer.
	MessageKindAwareness MessageKind = "awareness"
	// MessageKindPeerGone announces that a peer left the room.
	MessageKindPeerGone MessageKind = "peer_gone"
)

// Message is one relay delivery to a room subscriber.
type Message struct {
	Kind    MessageKind
	Room    RoomKey
	Sender  ConnectionID
	Payload []byte
}

// RoomSummary describes one live room for the operational surface.
type RoomSummary struct {
	Key              string
	Subscribers      int
	PendingFragments int
	LastActivityUnix int64
}
