package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campusfix/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no identity exists for the requested user id.
	ErrUnknownUser = errors.New("users: unknown user")
)

// ServiceConfig describes the dependencies required for identity and
// reputation management.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	StaffEmails []string
}

// Service manages user identities, profile fields and reputation entries.
type Service struct {
	db          *gorm.DB
	now         func() time.Time
	staffEmails map[string]struct{}
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	staffEmails := make(map[string]struct{}, len(cfg.StaffEmails))
	for _, email := range cfg.StaffEmails {
		normalized := strings.ToLower(normalize(email))
		if normalized == "" {
			continue
		}
		staffEmails[normalized] = struct{}{}
	}
	return &Service{
		db:          cfg.Database,
		now:         clock,
		staffEmails: staffEmails,
	}, nil
}

// ResolveOnLogin upserts the identity record for verified Google claims and
// lazily creates the reputation ledger entry with its defaults. The stored
// role is promoted to staff when the verified email is on the allowlist.
func (s *Service) ResolveOnLogin(ctx context.Context, claims auth.GoogleClaims) (Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", subject).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.Name),
			AvatarURL:   normalize(claims.Picture),
			Role:        s.roleForEmail(claims.Email),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["email"] = email
			identity.Email = email
		}
		if display := normalize(claims.Name); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.Picture); avatar != "" && avatar != identity.AvatarURL {
			updates["avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		if role := s.roleForEmail(identity.Email); role == RoleStaff && identity.Role != RoleStaff {
			updates["role"] = RoleStaff
			identity.Role = RoleStaff
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("user_id = ?", subject).
			Updates(updates).Error; err != nil {
			return Identity{}, err
		}
	}

	if _, err := s.EnsureReputation(s.db.WithContext(ctx), subject); err != nil {
		return Identity{}, err
	}

	return identity, nil
}

// ProfileUpdate carries the user-editable profile fields.
type ProfileUpdate struct {
	RollNumber string
	Course     string
	Stream     string
}

// UpdateProfile stores the editable profile fields for an existing identity.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Identity, error) {
	subject := normalize(userID)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("user_id = ?", subject).
		Updates(map[string]interface{}{
			"roll_number": normalize(update.RollNumber),
			"course":      normalize(update.Course),
			"stream":      normalize(update.Stream),
		})
	if result.Error != nil {
		return Identity{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Identity{}, ErrUnknownUser
	}

	var identity Identity
	if err := s.db.WithContext(ctx).Where("user_id = ?", subject).Take(&identity).Error; err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// Profile returns the identity plus the reputation entry, applying ledger
// defaults when no entry has been created yet.
func (s *Service) Profile(ctx context.Context, userID string) (Identity, Reputation, error) {
	subject := normalize(userID)
	if subject == "" {
		return Identity{}, Reputation{}, ErrInvalidIdentity
	}

	var identity Identity
	if err := s.db.WithContext(ctx).Where("user_id = ?", subject).Take(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, Reputation{}, ErrUnknownUser
		}
		return Identity{}, Reputation{}, err
	}

	reputation, err := s.Reputation(ctx, subject)
	if err != nil {
		return Identity{}, Reputation{}, err
	}
	return identity, reputation, nil
}

// Reputation returns the ledger entry for the user, or the lazy default when
// none exists yet. The default is not persisted by a read.
func (s *Service) Reputation(ctx context.Context, userID string) (Reputation, error) {
	subject := normalize(userID)
	if subject == "" {
		return Reputation{}, ErrInvalidIdentity
	}
	var entry Reputation
	err := s.db.WithContext(ctx).Where("user_id = ?", subject).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewReputation(subject), nil
	}
	if err != nil {
		return Reputation{}, err
	}
	return entry, nil
}

// EnsureReputation loads the ledger entry inside the provided handle,
// creating the default entry when absent. Review transactions pass their
// transaction handle so the row participates in the atomic commit.
func (s *Service) EnsureReputation(tx *gorm.DB, userID string) (Reputation, error) {
	subject := normalize(userID)
	if subject == "" {
		return Reputation{}, ErrInvalidIdentity
	}

	var entry Reputation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", subject).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		entry = NewReputation(subject)
		if err := tx.Create(&entry).Error; err != nil {
			return Reputation{}, err
		}
		return entry, nil
	}
	if err != nil {
		return Reputation{}, err
	}
	return entry, nil
}

// SaveReputation persists a mutated ledger entry inside the provided handle.
func (s *Service) SaveReputation(tx *gorm.DB, entry Reputation) error {
	entry.UpdatedAt = s.now().UTC()
	return tx.Model(&Reputation{}).
		Where("user_id = ?", entry.UserID).
		Updates(map[string]interface{}{
			"karma":      entry.Karma,
			"is_banned":  entry.IsBanned,
			"updated_at": entry.UpdatedAt,
		}).Error
}

func (s *Service) roleForEmail(email string) string {
	normalized := strings.ToLower(normalize(email))
	if normalized == "" {
		return RoleStudent
	}
	if _, ok := s.staffEmails[normalized]; ok {
		return RoleStaff
	}
	return RoleStudent
}
