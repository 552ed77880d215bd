package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairVoteCounts  = "2026-08-12_repair_ticket_vote_counts"
	migrationNormalizeRoomCase = "2026-08-12_normalize_ticket_room_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairVoteCounts, apply: repairTicketVoteCounts},
		{name: migrationNormalizeRoomCase, apply: normalizeTicketRoomIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairTicketVoteCounts realigns the denormalized vote counter with the
// actual upvote set size for rows written before the counter and the set
// were committed together.
func repairTicketVoteCounts(db *gorm.DB) error {
	return db.Exec(`UPDATE tickets SET vote_count = (
		SELECT COUNT(*) FROM ticket_upvotes WHERE ticket_upvotes.ticket_id = tickets.ticket_id
	);`).Error
}

// normalizeTicketRoomIDs enforces the lowercase+trimmed room-id rule on rows
// written before normalization was centralized.
func normalizeTicketRoomIDs(db *gorm.DB) error {
	return db.Exec(`UPDATE tickets SET room_id = LOWER(TRIM(room_id));`).Error
}
