package domain

// Presence is the per-user view kept under users/{uid}.
// No transport or lifecycle logic here.
type Presence struct {
	Room      RoomID    `json:"room,omitempty"`
	RoomState RoomState `json:"roomState,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Mute      bool      `json:"mute"`
}
