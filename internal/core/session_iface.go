package core

import "github.com/google/uuid"

// ConnID identifies one live connection. A user reconnecting gets a new one.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}
