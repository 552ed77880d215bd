package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxRoomIDLength = 190

// ErrInvalidRoomID indicates that a room identifier is empty or exceeds
// storage bounds.
var ErrInvalidRoomID = errors.New("rooms: invalid room id")

// NormalizeID applies the single room-id normalization rule used at every
// read and write boundary: lowercase, surrounding whitespace trimmed.
func NormalizeID(rawInput string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(normalized) > maxRoomIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxRoomIDLength)
	}
	return normalized, nil
}

// Room is one clickable rectangle on the floor map, keyed by the normalized
// room identifier.
type Room struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Label     string    `gorm:"column:label;size:320;not null"`
	X         float64   `gorm:"column:x;not null;default:0"`
	Y         float64   `gorm:"column:y;not null;default:0"`
	Width     float64   `gorm:"column:width;not null;default:0"`
	Height    float64   `gorm:"column:height;not null;default:0"`
	UpdatedBy string    `gorm:"column:updated_by;size:190"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing floor-map rooms.
func (Room) TableName() string {
	return "rooms"
}
