// Package presence holds the Presence Store implementations and the document
// paths the server reads and writes.
package presence

import (
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

// Roots of the user and room documents.
const (
	Users = "users"
	Rooms = "rooms"
)

func UserRoom(uid domain.UserID) string      { return join("users", string(uid), "room") }
func UserRoomState(uid domain.UserID) string { return join("users", string(uid), "roomState") }
func UserStatus(uid domain.UserID) string    { return join("users", string(uid), "status") }
func UserMute(uid domain.UserID) string      { return join("users", string(uid), "mute") }
func User(uid domain.UserID) string          { return join("users", string(uid)) }

func Room(id domain.RoomID) string       { return join("rooms", string(id)) }
func RoomUsers(id domain.RoomID) string  { return join("rooms", string(id), "users") }
func RoomLocked(id domain.RoomID) string { return join("rooms", string(id), "locked") }
func RoomPermanent(id domain.RoomID) string {
	return join("rooms", string(id), "permanent")
}

func RoomUser(id domain.RoomID, uid domain.UserID) string {
	return join("rooms", string(id), "users", string(uid))
}

// Music is the music-sync state attached to a room.
func Music(id domain.RoomID) string { return join("music", string(id)) }

func join(parts ...string) string { return strings.Join(parts, "/") }

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
