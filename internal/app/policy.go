package app

import "github.com/dkeye/huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a user whose send queue is full.
type Policy interface {
	OnBackPressure(uid domain.UserID) BackpressureAction
}

// SimplePolicy kicks slow consumers; they reconnect and rejoin.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID) BackpressureAction {
	return KickMember
}
