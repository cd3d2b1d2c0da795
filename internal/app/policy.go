package app

import (
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a session whose send queue is full during a broadcast.
type Policy interface {
	OnBackPressure(ch domain.ChannelID, sid core.SessionID) BackpressureAction
}

// DropPolicy skips the frame for the slow session and keeps it connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ChannelID, core.SessionID) BackpressureAction {
	return NoAction
}

// KickPolicy disconnects slow sessions; they reconnect and resync.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.ChannelID, core.SessionID) BackpressureAction {
	return KickMember
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "drop":
		return DropPolicy{}, nil
	case "kick":
		return KickPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
