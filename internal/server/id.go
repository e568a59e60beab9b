package server

import "github.com/google/uuid"

// IDProvider issues identifiers for websocket connections.
type IDProvider interface {
	NewID() (string, error)
}

type connectionIDProvider struct{}

// NewConnectionIDProvider constructs an IDProvider backed by UUIDv7, so
// connection identifiers sort by join time in logs.
func NewConnectionIDProvider() IDProvider {
	return connectionIDProvider{}
}

func (connectionIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
