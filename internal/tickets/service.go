package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campusfix/backend/internal/classifier"
	"github.com/campusfix/backend/internal/config"
	"github.com/campusfix/backend/internal/rooms"
	"github.com/campusfix/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUsers      = errors.New("users service is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code for API responses.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "tickets.service.new"
	opCreate         = "tickets.create"
	opMarkInProgress = "tickets.mark_in_progress"
	opReview         = "tickets.review"
	opToggleUpvote   = "tickets.toggle_upvote"
	opListRoom       = "tickets.list_room"
	opListReporter   = "tickets.list_reporter"
	opRoomOpenCounts = "tickets.room_open_counts"
	opStatusTotals   = "tickets.status_totals"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RoomLabeler resolves display labels for registered rooms.
type RoomLabeler interface {
	Label(ctx context.Context, roomID string) (string, bool)
}

// IDProvider yields opaque unique ticket identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the ticket service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Users       *users.Service
	Classifier  classifier.Classifier
	Rooms       RoomLabeler
	KarmaPolicy config.KarmaPolicy
	// FailOpen allows strict-category submissions through when the
	// classifier cannot be consulted. When false such submissions fail
	// with ErrClassifierUnavailable.
	FailOpen bool
	Logger   *zap.Logger
}

// Service implements the submission gate, the review transaction and the
// ticket query operations.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	users      *users.Service
	classifier classifier.Classifier
	rooms      RoomLabeler
	policy     config.KarmaPolicy
	failOpen   bool
	logger     *zap.Logger
}

// NewService constructs the ticket service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_users", errMissingUsers)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	policy := cfg.KarmaPolicy
	if policy.FakePenalty <= 0 || policy.ResolvedReward <= 0 {
		return nil, newServiceError(opServiceNew, "invalid_karma_policy",
			fmt.Errorf("penalty %d reward %d", policy.FakePenalty, policy.ResolvedReward))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		users:      cfg.Users,
		classifier: cfg.Classifier,
		rooms:      cfg.Rooms,
		policy:     policy,
		failOpen:   cfg.FailOpen,
		logger:     logger,
	}, nil
}

// CreateRequest is the submission gate input.
type CreateRequest struct {
	RoomID          string
	RoomLabel       string
	Category        string
	Description     string
	PhotoURL        string
	AcknowledgeRisk bool
}

// Create runs the submission gate and, when every policy passes, persists a
// new open ticket with an empty upvote set and the reporter snapshot.
func (s *Service) Create(ctx context.Context, actor Actor, request CreateRequest) (Ticket, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return Ticket{}, newServiceError(opCreate, "missing_actor", ErrUnauthorized)
	}

	category, err := ParseCategory(request.Category)
	if err != nil {
		return Ticket{}, newServiceError(opCreate, "invalid_category", err)
	}

	description := strings.TrimSpace(request.Description)
	if description == "" {
		return Ticket{}, newServiceError(opCreate, "missing_description",
			fmt.Errorf("%w: description required", ErrValidation))
	}

	roomID, err := rooms.NormalizeID(request.RoomID)
	if err != nil {
		return Ticket{}, newServiceError(opCreate, "invalid_room_id",
			fmt.Errorf("%w: %v", ErrValidation, err))
	}

	reputation, err := s.users.Reputation(ctx, actor.UserID)
	if err != nil {
		return Ticket{}, newServiceError(opCreate, "reputation_read_failed", err)
	}
	if reputation.IsBanned {
		return Ticket{}, newServiceError(opCreate, "reporter_banned", ErrReporterBanned)
	}

	photoURL := strings.TrimSpace(request.PhotoURL)
	if category.Strict() {
		// Missing evidence is rejected locally, before any classifier call.
		if photoURL == "" {
			return Ticket{}, newServiceError(opCreate, "missing_evidence", ErrMissingEvidence)
		}
		if err := s.checkEvidence(ctx, photoURL); err != nil {
			return Ticket{}, err
		}
	} else if !request.AcknowledgeRisk {
		return Ticket{}, newServiceError(opCreate, "risk_not_acknowledged", ErrRiskNotAcknowledged)
	}

	roomName := strings.TrimSpace(request.RoomLabel)
	if s.rooms != nil {
		if label, ok := s.rooms.Label(ctx, roomID); ok {
			roomName = label
		}
	}

	ticketID, err := s.idProvider.NewID()
	if err != nil {
		return Ticket{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	ticket := Ticket{
		TicketID:    ticketID,
		RoomID:      roomID,
		RoomName:    roomName,
		Category:    category,
		Description: description,
		PhotoURL:    photoURL,
		Status:      StatusOpen,
		VoteCount:   0,
		CreatedBy:   actor.Snapshot(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&ticket).Error; err != nil {
		s.logError(opCreate, "ticket_insert_failed", err, zap.String("room_id", roomID))
		return Ticket{}, newServiceError(opCreate, "ticket_insert_failed", err)
	}

	s.logger.Info("ticket created",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("room_id", ticket.RoomID),
		zap.String("category", string(ticket.Category)))
	return ticket, nil
}

func (s *Service) checkEvidence(ctx context.Context, photoURL string) error {
	if s.classifier == nil {
		return s.classifierUnavailable(errors.New("no classifier configured"), photoURL)
	}
	result, err := s.classifier.Classify(ctx, photoURL)
	if err != nil {
		return s.classifierUnavailable(err, photoURL)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "image not related to campus infrastructure"
		}
		return newServiceError(opCreate, "evidence_rejected",
			fmt.Errorf("%w: %s", ErrPolicyBlocked, reason))
	}
	return nil
}

func (s *Service) classifierUnavailable(cause error, photoURL string) error {
	if s.failOpen {
		s.logger.Warn("classifier unavailable, allowing submission through",
			zap.String("photo_url", photoURL),
			zap.Error(cause))
		return nil
	}
	return newServiceError(opCreate, "classifier_unavailable",
		fmt.Errorf("%w: %v", ErrClassifierUnavailable, cause))
}

// MarkInProgress moves an open ticket to in-progress. The transition is
// repeatable and refused once the ticket is terminal.
func (s *Service) MarkInProgress(ctx context.Context, actor Actor, ticketID string) (Ticket, error) {
	if actor.Role != users.RoleStaff {
		return Ticket{}, newServiceError(opMarkInProgress, "not_staff", ErrUnauthorized)
	}

	var updated Ticket
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.lockTicket(tx, opMarkInProgress, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status.Terminal() {
			return newServiceError(opMarkInProgress, "already_terminal", ErrAlreadyReviewed)
		}

		now := s.clock().UTC()
		result := tx.Model(&Ticket{}).
			Where("ticket_id = ? AND status NOT IN ?", ticket.TicketID, terminalStatuses).
			Updates(map[string]interface{}{
				"status":     StatusInProgress,
				"updated_at": now,
			})
		if result.Error != nil {
			return newServiceError(opMarkInProgress, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opMarkInProgress, "lost_race", ErrConcurrentModification)
		}

		ticket.Status = StatusInProgress
		ticket.UpdatedAt = now
		updated = ticket
		return nil
	})
	if txErr != nil {
		return Ticket{}, txErr
	}
	return updated, nil
}

// ReviewRequest is the staff verdict input for the review transaction.
type ReviewRequest struct {
	TicketID           string
	ReporterUserID     string
	Verdict            string
	StaffNote          string
	ResolutionImageURL string
}

// ReviewOutcome reports the committed review for callers and notifications.
type ReviewOutcome struct {
	Ticket      Ticket
	Reputation  users.Reputation
	KarmaChange int
}

// Review terminal-izes the ticket and adjusts the reporter's karma as one
// atomic commit. Preconditions are checked inside the transaction so two
// concurrent reviewers produce exactly one terminal transition and exactly
// one karma adjustment; the loser surfaces ErrAlreadyReviewed or a
// retryable ErrConcurrentModification, never a silent overwrite.
func (s *Service) Review(ctx context.Context, actor Actor, request ReviewRequest) (ReviewOutcome, error) {
	if actor.Role != users.RoleStaff {
		return ReviewOutcome{}, newServiceError(opReview, "not_staff", ErrUnauthorized)
	}

	verdict, err := ParseVerdict(request.Verdict)
	if err != nil {
		return ReviewOutcome{}, newServiceError(opReview, "invalid_verdict", err)
	}

	var outcome ReviewOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.lockTicket(tx, opReview, request.TicketID)
		if err != nil {
			return err
		}
		if ticket.Status.Terminal() {
			return newServiceError(opReview, "already_reviewed", ErrAlreadyReviewed)
		}
		reporterID := strings.TrimSpace(request.ReporterUserID)
		if reporterID != "" && reporterID != ticket.CreatedBy.UserID {
			return newServiceError(opReview, "reporter_mismatch", ErrReporterMismatch)
		}

		reputation, err := s.users.EnsureReputation(tx, ticket.CreatedBy.UserID)
		if err != nil {
			return newServiceError(opReview, "reputation_load_failed", err)
		}

		var karmaChange int
		if verdict == VerdictFake {
			karmaChange = reputation.Penalize(s.policy.FakePenalty)
		} else {
			karmaChange = reputation.Reward(s.policy.ResolvedReward)
		}
		if err := s.users.SaveReputation(tx, reputation); err != nil {
			return newServiceError(opReview, "reputation_save_failed", err)
		}

		reviewedAt := s.clock().UTC()
		staffSnapshot := actor.Snapshot()
		result := tx.Model(&Ticket{}).
			Where("ticket_id = ? AND status NOT IN ?", ticket.TicketID, terminalStatuses).
			Updates(map[string]interface{}{
				"status":               Status(verdict),
				"staff_note":           strings.TrimSpace(request.StaffNote),
				"resolution_image_url": strings.TrimSpace(request.ResolutionImageURL),
				"resolved_by_user_id":  staffSnapshot.UserID,
				"resolved_by_name":     staffSnapshot.DisplayName,
				"resolved_by_email":    staffSnapshot.Email,
				"karma_impact":         karmaChange,
				"reviewed_at":          reviewedAt,
				"updated_at":           reviewedAt,
			})
		if result.Error != nil {
			s.logError(opReview, "ticket_update_failed", result.Error,
				zap.String("ticket_id", ticket.TicketID))
			return newServiceError(opReview, "ticket_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			// A racing reviewer terminal-ized the ticket between our read
			// and write; roll back the karma change with the transaction.
			return newServiceError(opReview, "lost_race", ErrConcurrentModification)
		}

		ticket.Status = Status(verdict)
		ticket.StaffNote = strings.TrimSpace(request.StaffNote)
		ticket.ResolutionImageURL = strings.TrimSpace(request.ResolutionImageURL)
		ticket.ResolvedBy = staffSnapshot
		ticket.KarmaImpact = karmaChange
		ticket.ReviewedAt = &reviewedAt
		ticket.UpdatedAt = reviewedAt

		outcome = ReviewOutcome{
			Ticket:      ticket,
			Reputation:  reputation,
			KarmaChange: karmaChange,
		}
		return nil
	})
	if txErr != nil {
		return ReviewOutcome{}, txErr
	}

	s.logger.Info("ticket reviewed",
		zap.String("ticket_id", outcome.Ticket.TicketID),
		zap.String("verdict", string(verdict)),
		zap.String("reporter_id", outcome.Ticket.CreatedBy.UserID),
		zap.Int("karma_change", outcome.KarmaChange),
		zap.Bool("reporter_banned", outcome.Reputation.IsBanned))
	return outcome, nil
}

// ToggleUpvote flips the caller's membership in the ticket's upvote set and
// recomputes the denormalized vote count inside the same transaction, so
// the count never diverges from the set size.
func (s *Service) ToggleUpvote(ctx context.Context, actor Actor, ticketID string) (Ticket, bool, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return Ticket{}, false, newServiceError(opToggleUpvote, "missing_actor", ErrUnauthorized)
	}

	var updated Ticket
	var added bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.lockTicket(tx, opToggleUpvote, ticketID)
		if err != nil {
			return err
		}

		var existing Upvote
		err = tx.Where("ticket_id = ? AND user_id = ?", ticket.TicketID, actor.UserID).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			vote := Upvote{
				TicketID:  ticket.TicketID,
				UserID:    actor.UserID,
				CreatedAt: s.clock().UTC(),
			}
			if err := tx.Create(&vote).Error; err != nil {
				return newServiceError(opToggleUpvote, "vote_insert_failed", err)
			}
			added = true
		case err != nil:
			return newServiceError(opToggleUpvote, "vote_select_failed", err)
		default:
			if err := tx.Where("ticket_id = ? AND user_id = ?", ticket.TicketID, actor.UserID).
				Delete(&Upvote{}).Error; err != nil {
				return newServiceError(opToggleUpvote, "vote_delete_failed", err)
			}
			added = false
		}

		var voteCount int64
		if err := tx.Model(&Upvote{}).
			Where("ticket_id = ?", ticket.TicketID).
			Count(&voteCount).Error; err != nil {
			return newServiceError(opToggleUpvote, "vote_count_failed", err)
		}

		now := s.clock().UTC()
		if err := tx.Model(&Ticket{}).
			Where("ticket_id = ?", ticket.TicketID).
			Updates(map[string]interface{}{
				"vote_count": voteCount,
				"updated_at": now,
			}).Error; err != nil {
			return newServiceError(opToggleUpvote, "count_update_failed", err)
		}

		ticket.VoteCount = int(voteCount)
		ticket.UpdatedAt = now
		updated = ticket
		return nil
	})
	if txErr != nil {
		return Ticket{}, false, txErr
	}
	return updated, added, nil
}

// Upvoters returns the member set of a ticket's upvotes.
func (s *Service) Upvoters(ctx context.Context, ticketID string) ([]string, error) {
	var votes []Upvote
	if err := s.db.WithContext(ctx).
		Where("ticket_id = ?", strings.TrimSpace(ticketID)).
		Order("created_at ASC").
		Find(&votes).Error; err != nil {
		return nil, newServiceError(opToggleUpvote, "voters_query_failed", err)
	}
	voters := make([]string, 0, len(votes))
	for _, vote := range votes {
		voters = append(voters, vote.UserID)
	}
	return voters, nil
}

// UpvotersByTicket returns the upvote sets for the given tickets in one
// query, keyed by ticket id.
func (s *Service) UpvotersByTicket(ctx context.Context, ticketIDs []string) (map[string][]string, error) {
	voters := make(map[string][]string, len(ticketIDs))
	if len(ticketIDs) == 0 {
		return voters, nil
	}
	var votes []Upvote
	if err := s.db.WithContext(ctx).
		Where("ticket_id IN ?", ticketIDs).
		Order("created_at ASC").
		Find(&votes).Error; err != nil {
		return nil, newServiceError(opToggleUpvote, "voters_query_failed", err)
	}
	for _, vote := range votes {
		voters[vote.TicketID] = append(voters[vote.TicketID], vote.UserID)
	}
	return voters, nil
}

// ListRoomTickets returns all tickets for the normalized room, most-voted
// first with recency as the tie-break.
func (s *Service) ListRoomTickets(ctx context.Context, rawRoomID string) ([]Ticket, error) {
	roomID, err := rooms.NormalizeID(rawRoomID)
	if err != nil {
		return nil, newServiceError(opListRoom, "invalid_room_id",
			fmt.Errorf("%w: %v", ErrValidation, err))
	}

	var result []Ticket
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("vote_count DESC").
		Order("created_at DESC").
		Find(&result).Error; err != nil {
		return nil, newServiceError(opListRoom, "query_failed", err)
	}
	return result, nil
}

// ListReporterTickets returns the tickets created by a user, newest first.
func (s *Service) ListReporterTickets(ctx context.Context, userID string) ([]Ticket, error) {
	reporterID := strings.TrimSpace(userID)
	if reporterID == "" {
		return nil, newServiceError(opListReporter, "missing_user_id",
			fmt.Errorf("%w: user id required", ErrValidation))
	}

	var result []Ticket
	if err := s.db.WithContext(ctx).
		Where("created_by_user_id = ?", reporterID).
		Order("created_at DESC").
		Find(&result).Error; err != nil {
		return nil, newServiceError(opListReporter, "query_failed", err)
	}
	return result, nil
}

type roomCountRow struct {
	RoomID string `gorm:"column:room_id"`
	Total  int64  `gorm:"column:total"`
}

// RoomOpenCounts aggregates non-terminal ticket counts per room. This feeds
// the heatmap intensity signal.
func (s *Service) RoomOpenCounts(ctx context.Context) (map[string]int, error) {
	var counted []roomCountRow
	err := s.db.WithContext(ctx).Model(&Ticket{}).
		Select("room_id, COUNT(*) AS total").
		Where("status IN ?", []string{string(StatusOpen), string(StatusInProgress)}).
		Group("room_id").
		Find(&counted).Error
	if err != nil {
		return nil, newServiceError(opRoomOpenCounts, "query_failed", err)
	}

	counts := make(map[string]int, len(counted))
	for _, entry := range counted {
		counts[entry.RoomID] = int(entry.Total)
	}
	return counts, nil
}

// StatusTotals reports system-wide ticket counts per lifecycle state.
type StatusTotals struct {
	Open       int
	InProgress int
	Resolved   int
	Fake       int
}

type statusCountRow struct {
	Status string `gorm:"column:status"`
	Total  int64  `gorm:"column:total"`
}

// CountByStatus aggregates ticket totals across all rooms.
func (s *Service) CountByStatus(ctx context.Context) (StatusTotals, error) {
	var counted []statusCountRow
	err := s.db.WithContext(ctx).Model(&Ticket{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Find(&counted).Error
	if err != nil {
		return StatusTotals{}, newServiceError(opStatusTotals, "query_failed", err)
	}

	totals := StatusTotals{}
	for _, entry := range counted {
		switch Status(entry.Status) {
		case StatusOpen:
			totals.Open = int(entry.Total)
		case StatusInProgress:
			totals.InProgress = int(entry.Total)
		case StatusResolved:
			totals.Resolved = int(entry.Total)
		case StatusFake:
			totals.Fake = int(entry.Total)
		}
	}
	return totals, nil
}

// Get returns one ticket by id.
func (s *Service) Get(ctx context.Context, ticketID string) (Ticket, error) {
	var ticket Ticket
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", strings.TrimSpace(ticketID)).
		Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ticket{}, newServiceError(opListRoom, "not_found", ErrTicketNotFound)
	}
	if err != nil {
		return Ticket{}, newServiceError(opListRoom, "query_failed", err)
	}
	return ticket, nil
}

func (s *Service) lockTicket(tx *gorm.DB, operation, rawTicketID string) (Ticket, error) {
	ticketID := strings.TrimSpace(rawTicketID)
	if ticketID == "" {
		return Ticket{}, newServiceError(operation, "missing_ticket_id",
			fmt.Errorf("%w: ticket id required", ErrValidation))
	}

	var ticket Ticket
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ticket_id = ?", ticketID).
		Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ticket{}, newServiceError(operation, "not_found", ErrTicketNotFound)
	}
	if err != nil {
		return Ticket{}, newServiceError(operation, "ticket_select_failed", err)
	}
	return ticket, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ticket service error", attrs...)
}
