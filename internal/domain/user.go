// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUserIDLen = 128

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

// UserID is the stable identifier issued by the identity provider.
type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// Status is the presence value written to users/{uid}/status.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// RoomState is written to users/{uid}/roomState.
type RoomState string

const (
	RoomStateNone   RoomState = ""
	RoomStateJoined RoomState = "joined"
)
