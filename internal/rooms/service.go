package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRoomNotFound indicates the requested room is not in the registry.
var ErrRoomNotFound = errors.New("rooms: room not found")

// ServiceConfig describes the dependencies for the room registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the floor-map room registry.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the room registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rooms: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// List returns all registered rooms ordered by identifier.
func (s *Service) List(ctx context.Context) ([]Room, error) {
	var result []Room
	if err := s.db.WithContext(ctx).Order("room_id ASC").Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert creates or replaces the room rectangle under its normalized id.
func (s *Service) Upsert(ctx context.Context, room Room, updatedBy string) (Room, error) {
	roomID, err := NormalizeID(room.RoomID)
	if err != nil {
		return Room{}, err
	}
	label := strings.TrimSpace(room.Label)
	if label == "" {
		label = roomID
	}

	record := Room{
		RoomID:    roomID,
		Label:     label,
		X:         room.X,
		Y:         room.Y,
		Width:     room.Width,
		Height:    room.Height,
		UpdatedBy: strings.TrimSpace(updatedBy),
		UpdatedAt: s.now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"label", "x", "y", "width", "height", "updated_by", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return Room{}, err
	}
	return record, nil
}

// Delete removes a room rectangle from the registry.
func (s *Service) Delete(ctx context.Context, rawRoomID string) error {
	roomID, err := NormalizeID(rawRoomID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&Room{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// Label resolves the display label for a normalized room id. The second
// return value reports whether the room is registered.
func (s *Service) Label(ctx context.Context, roomID string) (string, bool) {
	var room Room
	err := s.db.WithContext(ctx).Select("label").Where("room_id = ?", roomID).Take(&room).Error
	if err != nil {
		return "", false
	}
	return room.Label, true
}
