// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
	MaxAvatarRefLen   = 512
)

var (
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrAvatarRefTooLong   = errors.New("avatar reference too long")
)

type UserID string

// Identity is attached to a session on its first identifying message.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// NewIdentity validates the raw fields; an empty display name falls back to the id.
func NewIdentity(id, displayName, avatar string) (Identity, error) {
	id = strings.TrimSpace(id)
	displayName = strings.TrimSpace(displayName)
	if id == "" {
		return Identity{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	if displayName == "" {
		displayName = id
	}
	if len(displayName) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	if len(avatar) > MaxAvatarRefLen {
		return Identity{}, ErrAvatarRefTooLong
	}
	return Identity{UserID: UserID(id), DisplayName: displayName, AvatarRef: avatar}, nil
}

func (i Identity) IsZero() bool { return i.UserID == "" }
