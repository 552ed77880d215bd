package tickets

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the ticket lifecycle. A ticket only ever moves forward:
// open -> in-progress -> {resolved|fake}, or open -> {resolved|fake}.
type Status string

const (
	// StatusOpen is the state assigned at creation.
	StatusOpen Status = "open"
	// StatusInProgress marks staff acknowledgement; repeatable, non-terminal.
	StatusInProgress Status = "in-progress"
	// StatusResolved is the terminal state for a confirmed-valid ticket.
	StatusResolved Status = "resolved"
	// StatusFake is the terminal state for a confirmed-fake ticket.
	StatusFake Status = "fake"
)

// Terminal reports whether no further review may act on the ticket.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFake
}

// terminalStatuses is used in write guards closing the review race window.
var terminalStatuses = []string{string(StatusResolved), string(StatusFake)}

// Verdict is the binary staff decision consumed by a review.
type Verdict string

const (
	// VerdictResolved rewards the reporter's karma.
	VerdictResolved Verdict = Verdict(StatusResolved)
	// VerdictFake penalizes the reporter's karma.
	VerdictFake Verdict = Verdict(StatusFake)
)

// ParseVerdict validates raw staff input.
func ParseVerdict(rawInput string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(VerdictResolved):
		return VerdictResolved, nil
	case string(VerdictFake):
		return VerdictFake, nil
	default:
		return "", fmt.Errorf("%w: unknown verdict %q", ErrValidation, rawInput)
	}
}

// Category partitions tickets into evidence-mandatory (strict) and
// reporter-acknowledged-risk (risk) sets.
type Category string

const (
	CategoryElectrical  Category = "Electrical"
	CategoryCivil       Category = "Civil"
	CategoryFurniture   Category = "Furniture"
	CategoryWashroom    Category = "Washroom"
	CategoryCleanliness Category = "Cleanliness"
	CategoryOther       Category = "Other"
)

var strictCategories = map[Category]struct{}{
	CategoryElectrical: {},
	CategoryCivil:      {},
	CategoryFurniture:  {},
	CategoryWashroom:   {},
}

var riskCategories = map[Category]struct{}{
	CategoryCleanliness: {},
	CategoryOther:       {},
}

// ParseCategory validates raw input against the fixed enumeration.
func ParseCategory(rawInput string) (Category, error) {
	candidate := Category(strings.TrimSpace(rawInput))
	if _, ok := strictCategories[candidate]; ok {
		return candidate, nil
	}
	if _, ok := riskCategories[candidate]; ok {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrValidation, rawInput)
}

// Strict reports whether photo evidence is mandatory and classifier-checked.
func (c Category) Strict() bool {
	_, ok := strictCategories[c]
	return ok
}

// Risk reports whether the reporter must acknowledge the karma risk instead
// of supplying evidence.
func (c Category) Risk() bool {
	_, ok := riskCategories[c]
	return ok
}

// Failure modes surfaced by the service. Callers must be able to tell
// "needs different input" from "already handled" from "safe to retry".
var (
	// ErrValidation covers locally correctable input problems.
	ErrValidation = errors.New("tickets: invalid input")
	// ErrMissingEvidence indicates a strict-category submission without a photo.
	ErrMissingEvidence = errors.New("tickets: photo evidence required")
	// ErrRiskNotAcknowledged indicates a risk-category submission without the
	// reporter's explicit acknowledgement.
	ErrRiskNotAcknowledged = errors.New("tickets: risk acknowledgement required")
	// ErrPolicyBlocked indicates the classifier rejected the evidence image.
	ErrPolicyBlocked = errors.New("tickets: evidence rejected by classifier")
	// ErrClassifierUnavailable indicates the classifier could not be consulted
	// and the fail-closed policy is active.
	ErrClassifierUnavailable = errors.New("tickets: classifier unavailable")
	// ErrReporterBanned indicates the reporter's ledger entry carries a ban.
	ErrReporterBanned = errors.New("tickets: reporter is banned")
	// ErrTicketNotFound indicates the ticket does not exist.
	ErrTicketNotFound = errors.New("tickets: ticket not found")
	// ErrAlreadyReviewed indicates the ticket already reached a terminal state.
	ErrAlreadyReviewed = errors.New("tickets: ticket already reviewed")
	// ErrConcurrentModification indicates the commit lost a race; the caller
	// may safely retry the identical request.
	ErrConcurrentModification = errors.New("tickets: concurrent modification")
	// ErrReporterMismatch indicates the supplied reporter id does not match
	// the ticket's creator snapshot.
	ErrReporterMismatch = errors.New("tickets: reporter mismatch")
	// ErrUnauthorized indicates the actor lacks the required role.
	ErrUnauthorized = errors.New("tickets: unauthorized")
)

// IdentitySnapshot is the immutable identity capture embedded in a ticket
// for its reporter and, after review, the deciding staff member.
type IdentitySnapshot struct {
	UserID      string `gorm:"column:user_id;size:190"`
	DisplayName string `gorm:"column:name;size:320"`
	Email       string `gorm:"column:email;size:320"`
}

// Actor is the acting identity passed explicitly to every operation.
type Actor struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
}

// Snapshot converts the actor into the persisted identity capture.
func (a Actor) Snapshot() IdentitySnapshot {
	return IdentitySnapshot{
		UserID:      a.UserID,
		DisplayName: a.DisplayName,
		Email:       a.Email,
	}
}

// Ticket models one reported facilities issue tied to a room.
type Ticket struct {
	TicketID           string           `gorm:"column:ticket_id;primaryKey;size:36;not null"`
	RoomID             string           `gorm:"column:room_id;size:190;not null;index:idx_tickets_room_status,priority:1"`
	RoomName           string           `gorm:"column:room_name;size:320"`
	Category           Category         `gorm:"column:category;size:32;not null"`
	Description        string           `gorm:"column:description;type:text;not null"`
	PhotoURL           string           `gorm:"column:photo_url;size:512"`
	Status             Status           `gorm:"column:status;size:16;not null;index:idx_tickets_room_status,priority:2;index:idx_tickets_status"`
	VoteCount          int              `gorm:"column:vote_count;not null;default:0"`
	CreatedBy          IdentitySnapshot `gorm:"embedded;embeddedPrefix:created_by_"`
	StaffNote          string           `gorm:"column:staff_note;type:text"`
	ResolutionImageURL string           `gorm:"column:resolution_image_url;size:512"`
	ResolvedBy         IdentitySnapshot `gorm:"embedded;embeddedPrefix:resolved_by_"`
	KarmaImpact        int              `gorm:"column:karma_impact;not null;default:0"`
	ReviewedAt         *time.Time       `gorm:"column:reviewed_at"`
	CreatedAt          time.Time        `gorm:"column:created_at;not null;index:idx_tickets_created_at"`
	UpdatedAt          time.Time        `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Ticket) TableName() string {
	return "tickets"
}

// Upvote is one member of a ticket's upvote set. The composite primary key
// keeps the set free of duplicates under concurrent writes.
type Upvote struct {
	TicketID  string    `gorm:"column:ticket_id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Upvote) TableName() string {
	return "ticket_upvotes"
}
