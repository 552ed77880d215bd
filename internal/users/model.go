package users

import (
	"strings"
	"time"
)

// Roles recognized by the API. Staff may triage and review tickets.
const (
	RoleStudent = "student"
	RoleStaff   = "staff"
)

// DefaultKarma is the score assigned when a reputation entry is first created.
const DefaultKarma = 100

// Identity captures the profile of an authenticated user, keyed by the
// externally issued subject identifier.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	Role        string    `gorm:"column:role;size:32;not null;default:student"`
	RollNumber  string    `gorm:"column:roll_number;size:64"`
	Course      string    `gorm:"column:course;size:128"`
	Stream      string    `gorm:"column:stream;size:128"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Reputation is the per-user karma ledger entry. Karma never drops below
// zero and the ban flag only ever moves from false to true.
type Reputation struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Karma     int       `gorm:"column:karma;not null;default:100"`
	IsBanned  bool      `gorm:"column:is_banned;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing reputation entries.
func (Reputation) TableName() string {
	return "user_reputation"
}

// NewReputation returns the default ledger entry for a user seen for the
// first time.
func NewReputation(userID string) Reputation {
	return Reputation{UserID: userID, Karma: DefaultKarma}
}

// Penalize subtracts the configured magnitude from karma, clamping at zero.
// Reaching (or crossing) zero bans the user in the same mutation. Returns
// the signed delta for the review audit trail.
func (r *Reputation) Penalize(magnitude int) int {
	next := r.Karma - magnitude
	if next <= 0 {
		next = 0
		r.IsBanned = true
	}
	r.Karma = next
	return -magnitude
}

// Reward adds the configured magnitude to karma. A ban is never lifted here.
func (r *Reputation) Reward(magnitude int) int {
	r.Karma += magnitude
	return magnitude
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
