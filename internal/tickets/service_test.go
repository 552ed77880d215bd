package tickets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/campusfix/backend/internal/classifier"
	"github.com/campusfix/backend/internal/config"
	"github.com/campusfix/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("%s-%d", g.prefix, g.index), nil
}

type stubClassifier struct {
	mu     sync.Mutex
	result classifier.Result
	err    error
	calls  int
}

func (c *stubClassifier) Classify(ctx context.Context, imageURL string) (classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return classifier.Result{}, c.err
	}
	return c.result, nil
}

func (c *stubClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubRoomLabeler struct {
	labels map[string]string
}

func (l *stubRoomLabeler) Label(ctx context.Context, roomID string) (string, bool) {
	label, ok := l.labels[roomID]
	return label, ok
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1760000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	service    *Service
	db         *gorm.DB
	clock      *testClock
	classifier *stubClassifier
}

func newServiceFixture(t *testing.T, mutate func(cfg *ServiceConfig)) serviceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:campusfix_tickets_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Identity{}, &users.Reputation{}, &Ticket{}, &Upvote{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	clock := newTestClock()
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}

	evidence := &stubClassifier{result: classifier.Result{Valid: true}}
	cfg := ServiceConfig{
		Database:    db,
		Clock:       clock.Now,
		IDProvider:  &staticIDGenerator{prefix: "ticket"},
		Users:       userService,
		Classifier:  evidence,
		Rooms:       &stubRoomLabeler{labels: map[string]string{"lh-101": "Lecture Hall 101"}},
		KarmaPolicy: config.KarmaPolicy{FakePenalty: 10, ResolvedReward: 20},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct ticket service: %v", err)
	}

	return serviceFixture{service: service, db: db, clock: clock, classifier: evidence}
}

func studentActor(id string) Actor {
	return Actor{UserID: id, DisplayName: "Student " + id, Email: id + "@campus.test", Role: users.RoleStudent}
}

func staffActor(id string) Actor {
	return Actor{UserID: id, DisplayName: "Staff " + id, Email: id + "@campus.test", Role: users.RoleStaff}
}

func mustCreateRiskTicket(t *testing.T, fixture serviceFixture, reporter Actor, roomID string) Ticket {
	t.Helper()
	ticket, err := fixture.service.Create(context.Background(), reporter, CreateRequest{
		RoomID:          roomID,
		Category:        string(CategoryCleanliness),
		Description:     "overflowing bin",
		AcknowledgeRisk: true,
	})
	if err != nil {
		t.Fatalf("failed to create ticket: %v", err)
	}
	return ticket
}

func reporterKarma(t *testing.T, db *gorm.DB, userID string) users.Reputation {
	t.Helper()
	var entry users.Reputation
	if err := db.Where("user_id = ?", userID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load reputation: %v", err)
	}
	return entry
}

func TestCreateRejectsRiskWithoutAcknowledgement(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    string(CategoryOther),
		Description: "weird smell",
	})
	if !errors.Is(err, ErrRiskNotAcknowledged) {
		t.Fatalf("expected risk acknowledgement error, got %v", err)
	}
}

func TestCreateRejectsStrictWithoutPhotoBeforeClassifier(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    string(CategoryElectrical),
		Description: "exposed wiring",
	})
	if !errors.Is(err, ErrMissingEvidence) {
		t.Fatalf("expected missing evidence error, got %v", err)
	}
	if fixture.classifier.callCount() != 0 {
		t.Fatalf("classifier must not be consulted without a photo, got %d calls", fixture.classifier.callCount())
	}
}

func TestCreateRejectsClassifierVerdictWithoutPersisting(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	fixture.classifier.result = classifier.Result{Valid: false, Reason: "not infrastructure"}

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    string(CategoryCivil),
		Description: "cracked wall",
		PhotoURL:    "https://img.test/crack.jpg",
	})
	if !errors.Is(err, ErrPolicyBlocked) {
		t.Fatalf("expected policy block, got %v", err)
	}

	var stored int64
	if err := fixture.db.Model(&Ticket{}).Count(&stored).Error; err != nil {
		t.Fatalf("failed to count tickets: %v", err)
	}
	if stored != 0 {
		t.Fatalf("rejected submission must not persist a ticket, found %d", stored)
	}
}

func TestCreateFailOpenAllowsWhenClassifierDown(t *testing.T) {
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) {
		cfg.FailOpen = true
	})
	fixture.classifier.err = classifier.ErrUnavailable

	ticket, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    string(CategoryWashroom),
		Description: "broken tap",
		PhotoURL:    "https://img.test/tap.jpg",
	})
	if err != nil {
		t.Fatalf("fail-open must accept the submission: %v", err)
	}
	if ticket.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", ticket.Status)
	}
}

func TestCreateFailClosedRefusesWhenClassifierDown(t *testing.T) {
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) {
		cfg.FailOpen = false
	})
	fixture.classifier.err = classifier.ErrUnavailable

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    string(CategoryWashroom),
		Description: "broken tap",
		PhotoURL:    "https://img.test/tap.jpg",
	})
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("expected classifier unavailable error, got %v", err)
	}
}

func TestCreateNormalizesRoomAndAppliesDefaults(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	ticket, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:          "  LH-101  ",
		RoomLabel:       "client supplied label",
		Category:        string(CategoryCleanliness),
		Description:     "  dusty benches  ",
		AcknowledgeRisk: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ticket.RoomID != "lh-101" {
		t.Fatalf("expected normalized room id, got %q", ticket.RoomID)
	}
	if ticket.RoomName != "Lecture Hall 101" {
		t.Fatalf("registry label must win over client label, got %q", ticket.RoomName)
	}
	if ticket.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", ticket.Status)
	}
	if ticket.VoteCount != 0 {
		t.Fatalf("expected empty upvote set, got count %d", ticket.VoteCount)
	}
	if ticket.Description != "dusty benches" {
		t.Fatalf("expected trimmed description, got %q", ticket.Description)
	}
	if ticket.CreatedBy.UserID != "user-1" {
		t.Fatalf("expected reporter snapshot, got %+v", ticket.CreatedBy)
	}
}

func TestCreateRefusesBannedReporter(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	banned := users.Reputation{UserID: "user-1", Karma: 0, IsBanned: true}
	if err := fixture.db.Create(&banned).Error; err != nil {
		t.Fatalf("failed to seed reputation: %v", err)
	}

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:          "lh-101",
		Category:        string(CategoryOther),
		Description:     "anything",
		AcknowledgeRisk: true,
	})
	if !errors.Is(err, ErrReporterBanned) {
		t.Fatalf("expected banned reporter refusal, got %v", err)
	}
}

func TestCreateRejectsUnknownCategory(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	_, err := fixture.service.Create(context.Background(), studentActor("user-1"), CreateRequest{
		RoomID:      "lh-101",
		Category:    "Plumbing",
		Description: "leak",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReviewFakePenalizesReporterAtomically(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	outcome, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID:  ticket.TicketID,
		Verdict:   string(VerdictFake),
		StaffNote: "no such issue on inspection",
	})
	if err != nil {
		t.Fatalf("unexpected review error: %v", err)
	}
	if outcome.Ticket.Status != StatusFake {
		t.Fatalf("expected fake status, got %s", outcome.Ticket.Status)
	}
	if outcome.KarmaChange != -10 {
		t.Fatalf("expected karma change -10, got %d", outcome.KarmaChange)
	}
	if outcome.Ticket.KarmaImpact != -10 {
		t.Fatalf("expected karma impact recorded on ticket, got %d", outcome.Ticket.KarmaImpact)
	}
	if outcome.Ticket.ReviewedAt == nil {
		t.Fatalf("expected reviewed timestamp")
	}
	if outcome.Ticket.ResolvedBy.UserID != "staff-1" {
		t.Fatalf("expected staff snapshot, got %+v", outcome.Ticket.ResolvedBy)
	}

	entry := reporterKarma(t, fixture.db, reporter.UserID)
	if entry.Karma != 90 {
		t.Fatalf("expected persisted karma 90, got %d", entry.Karma)
	}
	if entry.IsBanned {
		t.Fatalf("reporter must not be banned at karma 90")
	}
}

func TestReviewResolvedRewardsReporter(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	outcome, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID:           ticket.TicketID,
		Verdict:            string(VerdictResolved),
		ResolutionImageURL: "https://img.test/fixed.jpg",
	})
	if err != nil {
		t.Fatalf("unexpected review error: %v", err)
	}
	if outcome.KarmaChange != 20 {
		t.Fatalf("expected karma change +20, got %d", outcome.KarmaChange)
	}
	if outcome.Ticket.ResolutionImageURL != "https://img.test/fixed.jpg" {
		t.Fatalf("expected resolution image, got %q", outcome.Ticket.ResolutionImageURL)
	}

	entry := reporterKarma(t, fixture.db, reporter.UserID)
	if entry.Karma != 120 {
		t.Fatalf("expected persisted karma 120, got %d", entry.Karma)
	}
}

func TestReviewRefusesSecondVerdict(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	if _, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictFake),
	}); err != nil {
		t.Fatalf("first review failed: %v", err)
	}

	_, err := fixture.service.Review(context.Background(), staffActor("staff-2"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictResolved),
	})
	if !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("expected already reviewed, got %v", err)
	}

	entry := reporterKarma(t, fixture.db, reporter.UserID)
	if entry.Karma != 90 {
		t.Fatalf("second review must not touch karma, got %d", entry.Karma)
	}
}

func TestReviewClampsKarmaAndBansInSameCommit(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	low := users.Reputation{UserID: reporter.UserID, Karma: 5}
	if err := fixture.db.Create(&low).Error; err != nil {
		t.Fatalf("failed to seed reputation: %v", err)
	}
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	outcome, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictFake),
	})
	if err != nil {
		t.Fatalf("unexpected review error: %v", err)
	}
	if outcome.Reputation.Karma != 0 {
		t.Fatalf("expected karma clamped at zero, got %d", outcome.Reputation.Karma)
	}
	if !outcome.Reputation.IsBanned {
		t.Fatalf("expected ban when karma reaches zero")
	}

	entry := reporterKarma(t, fixture.db, reporter.UserID)
	if entry.Karma != 0 || !entry.IsBanned {
		t.Fatalf("expected persisted clamp and ban, got karma %d banned %v", entry.Karma, entry.IsBanned)
	}
}

func TestReviewRewardNeverLiftsBan(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	banned := users.Reputation{UserID: reporter.UserID, Karma: 0, IsBanned: true}
	if err := fixture.db.Where("user_id = ?", reporter.UserID).Delete(&users.Reputation{}).Error; err != nil {
		t.Fatalf("failed to reset reputation: %v", err)
	}
	if err := fixture.db.Create(&banned).Error; err != nil {
		t.Fatalf("failed to seed banned reputation: %v", err)
	}

	outcome, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictResolved),
	})
	if err != nil {
		t.Fatalf("unexpected review error: %v", err)
	}
	if outcome.Reputation.Karma != 20 {
		t.Fatalf("expected karma 20 after reward, got %d", outcome.Reputation.Karma)
	}
	if !outcome.Reputation.IsBanned {
		t.Fatalf("reward must not lift a ban")
	}
}

func TestReviewRequiresStaffRole(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ticket := mustCreateRiskTicket(t, fixture, studentActor("reporter-1"), "lh-101")

	_, err := fixture.service.Review(context.Background(), studentActor("reporter-1"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictResolved),
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestReviewRefusesReporterMismatch(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ticket := mustCreateRiskTicket(t, fixture, studentActor("reporter-1"), "lh-101")

	_, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID:       ticket.TicketID,
		ReporterUserID: "someone-else",
		Verdict:        string(VerdictFake),
	})
	if !errors.Is(err, ErrReporterMismatch) {
		t.Fatalf("expected reporter mismatch, got %v", err)
	}
}

func TestReviewRejectsUnknownTicket(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	_, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: "missing",
		Verdict:  string(VerdictFake),
	})
	if !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkInProgressTransitionsAndRefusesTerminal(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ticket := mustCreateRiskTicket(t, fixture, studentActor("reporter-1"), "lh-101")

	if _, err := fixture.service.MarkInProgress(context.Background(), studentActor("reporter-1"), ticket.TicketID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-staff, got %v", err)
	}

	updated, err := fixture.service.MarkInProgress(context.Background(), staffActor("staff-1"), ticket.TicketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("expected in-progress, got %s", updated.Status)
	}

	// Repeating the acknowledgement is allowed while non-terminal.
	if _, err := fixture.service.MarkInProgress(context.Background(), staffActor("staff-1"), ticket.TicketID); err != nil {
		t.Fatalf("repeat acknowledgement failed: %v", err)
	}

	if _, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictResolved),
	}); err != nil {
		t.Fatalf("review failed: %v", err)
	}

	if _, err := fixture.service.MarkInProgress(context.Background(), staffActor("staff-1"), ticket.TicketID); !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("expected terminal refusal, got %v", err)
	}
}

func TestConcurrentReviewsApplyExactlyOneVerdict(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")
	ticket := mustCreateRiskTicket(t, fixture, reporter, "lh-101")

	type reviewResult struct {
		outcome ReviewOutcome
		err     error
	}
	verdicts := []string{string(VerdictFake), string(VerdictResolved)}
	results := make(chan reviewResult, len(verdicts))
	start := make(chan struct{})
	for index, verdict := range verdicts {
		go func(reviewer, verdict string) {
			<-start
			outcome, err := fixture.service.Review(context.Background(), staffActor(reviewer), ReviewRequest{
				TicketID: ticket.TicketID,
				Verdict:  verdict,
			})
			results <- reviewResult{outcome: outcome, err: err}
		}(fmt.Sprintf("staff-%d", index+1), verdict)
	}
	close(start)

	var winners []ReviewOutcome
	for range verdicts {
		result := <-results
		if result.err == nil {
			winners = append(winners, result.outcome)
			continue
		}
		if !errors.Is(result.err, ErrAlreadyReviewed) && !errors.Is(result.err, ErrConcurrentModification) {
			t.Fatalf("loser must surface a conflict, got %v", result.err)
		}
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one review to win, got %d", len(winners))
	}
	winner := winners[0]

	stored, err := fixture.service.Get(context.Background(), ticket.TicketID)
	if err != nil {
		t.Fatalf("failed to load ticket: %v", err)
	}
	if !stored.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", stored.Status)
	}
	if stored.Status != winner.Ticket.Status {
		t.Fatalf("stored status %s diverged from winning verdict %s", stored.Status, winner.Ticket.Status)
	}
	if stored.KarmaImpact != winner.KarmaChange {
		t.Fatalf("stored karma impact %d diverged from winning delta %d", stored.KarmaImpact, winner.KarmaChange)
	}

	// Exactly one karma delta from the default of 100, matching the winner.
	expectedKarma := 120
	if stored.Status == StatusFake {
		expectedKarma = 90
	}
	entry := reporterKarma(t, fixture.db, reporter.UserID)
	if entry.Karma != expectedKarma {
		t.Fatalf("expected karma applied once (%d), got %d", expectedKarma, entry.Karma)
	}

	// A retry after losing the race now reports the ticket as handled.
	if _, err := fixture.service.Review(context.Background(), staffActor("staff-3"), ReviewRequest{
		TicketID: ticket.TicketID,
		Verdict:  string(VerdictFake),
	}); !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("expected already reviewed on retry, got %v", err)
	}
	if after := reporterKarma(t, fixture.db, reporter.UserID); after.Karma != expectedKarma {
		t.Fatalf("retry must not touch karma, got %d", after.Karma)
	}
}

func TestToggleUpvoteKeepsCountInSyncWithSet(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ticket := mustCreateRiskTicket(t, fixture, studentActor("reporter-1"), "lh-101")

	updated, added, err := fixture.service.ToggleUpvote(context.Background(), studentActor("voter-1"), ticket.TicketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !added || updated.VoteCount != 1 {
		t.Fatalf("expected first toggle to add, got added=%v count=%d", added, updated.VoteCount)
	}

	updated, added, err = fixture.service.ToggleUpvote(context.Background(), studentActor("voter-2"), ticket.TicketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !added || updated.VoteCount != 2 {
		t.Fatalf("expected second voter to add, got added=%v count=%d", added, updated.VoteCount)
	}

	updated, added, err = fixture.service.ToggleUpvote(context.Background(), studentActor("voter-1"), ticket.TicketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added || updated.VoteCount != 1 {
		t.Fatalf("expected repeat toggle to remove, got added=%v count=%d", added, updated.VoteCount)
	}

	voters, err := fixture.service.Upvoters(context.Background(), ticket.TicketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voters) != 1 || voters[0] != "voter-2" {
		t.Fatalf("unexpected voter set %v", voters)
	}

	var stored Ticket
	if err := fixture.db.Where("ticket_id = ?", ticket.TicketID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load ticket: %v", err)
	}
	if stored.VoteCount != len(voters) {
		t.Fatalf("persisted count %d diverged from set size %d", stored.VoteCount, len(voters))
	}
}

func TestListRoomTicketsOrdersByVotesThenRecency(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")

	first := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	fixture.clock.Advance(time.Minute)
	second := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	fixture.clock.Advance(time.Minute)
	third := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	mustCreateRiskTicket(t, fixture, reporter, "lab-2")

	if _, _, err := fixture.service.ToggleUpvote(context.Background(), studentActor("voter-1"), second.TicketID); err != nil {
		t.Fatalf("failed to upvote: %v", err)
	}

	listed, err := fixture.service.ListRoomTickets(context.Background(), "LH-101")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 room tickets, got %d", len(listed))
	}
	if listed[0].TicketID != second.TicketID {
		t.Fatalf("most voted ticket must lead, got %s", listed[0].TicketID)
	}
	if listed[1].TicketID != third.TicketID || listed[2].TicketID != first.TicketID {
		t.Fatalf("recency tie-break violated: %s then %s", listed[1].TicketID, listed[2].TicketID)
	}
}

func TestListReporterTicketsNewestFirst(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")

	older := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	fixture.clock.Advance(time.Minute)
	newer := mustCreateRiskTicket(t, fixture, reporter, "lab-2")
	mustCreateRiskTicket(t, fixture, studentActor("reporter-2"), "lh-101")

	listed, err := fixture.service.ListReporterTickets(context.Background(), reporter.UserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 reporter tickets, got %d", len(listed))
	}
	if listed[0].TicketID != newer.TicketID || listed[1].TicketID != older.TicketID {
		t.Fatalf("unexpected order: %s then %s", listed[0].TicketID, listed[1].TicketID)
	}
}

func TestRoomOpenCountsExcludeTerminalTickets(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")

	mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	triaged := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	reviewed := mustCreateRiskTicket(t, fixture, reporter, "lab-2")

	if _, err := fixture.service.MarkInProgress(context.Background(), staffActor("staff-1"), triaged.TicketID); err != nil {
		t.Fatalf("failed to triage: %v", err)
	}
	if _, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: reviewed.TicketID,
		Verdict:  string(VerdictResolved),
	}); err != nil {
		t.Fatalf("failed to review: %v", err)
	}

	counts, err := fixture.service.RoomOpenCounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts["lh-101"] != 2 {
		t.Fatalf("expected 2 live tickets in lh-101, got %d", counts["lh-101"])
	}
	if _, ok := counts["lab-2"]; ok {
		t.Fatalf("resolved-only room must not appear in counts")
	}
}

func TestCountByStatusAggregatesLifecycle(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reporter := studentActor("reporter-1")

	mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	triaged := mustCreateRiskTicket(t, fixture, reporter, "lh-101")
	resolved := mustCreateRiskTicket(t, fixture, reporter, "lab-2")
	fake := mustCreateRiskTicket(t, fixture, reporter, "lab-2")

	if _, err := fixture.service.MarkInProgress(context.Background(), staffActor("staff-1"), triaged.TicketID); err != nil {
		t.Fatalf("failed to triage: %v", err)
	}
	if _, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: resolved.TicketID,
		Verdict:  string(VerdictResolved),
	}); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if _, err := fixture.service.Review(context.Background(), staffActor("staff-1"), ReviewRequest{
		TicketID: fake.TicketID,
		Verdict:  string(VerdictFake),
	}); err != nil {
		t.Fatalf("failed to mark fake: %v", err)
	}

	totals, err := fixture.service.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := StatusTotals{Open: 1, InProgress: 1, Resolved: 1, Fake: 1}
	if totals != expected {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
