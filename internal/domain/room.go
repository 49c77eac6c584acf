package domain

type (
	RoomID   string
	ClientID string
)

const (
	MaxClientIDLen = 36
	MaxRoomIDLen   = 64
)
