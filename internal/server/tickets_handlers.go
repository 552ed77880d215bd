package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/campusfix/backend/internal/tickets"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ticketPayload struct {
	TicketID           string           `json:"ticket_id"`
	RoomID             string           `json:"room_id"`
	RoomName           string           `json:"room_name,omitempty"`
	Category           string           `json:"category"`
	Description        string           `json:"description"`
	PhotoURL           string           `json:"photo_url,omitempty"`
	Status             string           `json:"status"`
	VoteCount          int              `json:"vote_count"`
	Upvotes            []string         `json:"upvotes"`
	CreatedBy          identityPayload  `json:"created_by"`
	StaffNote          string           `json:"staff_note,omitempty"`
	ResolutionImageURL string           `json:"resolution_image_url,omitempty"`
	ResolvedBy         *identityPayload `json:"resolved_by,omitempty"`
	KarmaImpact        int              `json:"karma_impact"`
	ReviewedAtSeconds  int64            `json:"reviewed_at_s,omitempty"`
	CreatedAtSeconds   int64            `json:"created_at_s"`
}

type identityPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
}

func newTicketPayload(ticket tickets.Ticket, upvoters []string) ticketPayload {
	if upvoters == nil {
		upvoters = []string{}
	}
	payload := ticketPayload{
		TicketID:           ticket.TicketID,
		RoomID:             ticket.RoomID,
		RoomName:           ticket.RoomName,
		Category:           string(ticket.Category),
		Description:        ticket.Description,
		PhotoURL:           ticket.PhotoURL,
		Status:             string(ticket.Status),
		VoteCount:          ticket.VoteCount,
		Upvotes:            upvoters,
		CreatedBy:          identityPayload{UserID: ticket.CreatedBy.UserID, DisplayName: ticket.CreatedBy.DisplayName, Email: ticket.CreatedBy.Email},
		StaffNote:          ticket.StaffNote,
		ResolutionImageURL: ticket.ResolutionImageURL,
		KarmaImpact:        ticket.KarmaImpact,
		CreatedAtSeconds:   ticket.CreatedAt.Unix(),
	}
	if ticket.ResolvedBy.UserID != "" {
		payload.ResolvedBy = &identityPayload{
			UserID:      ticket.ResolvedBy.UserID,
			DisplayName: ticket.ResolvedBy.DisplayName,
			Email:       ticket.ResolvedBy.Email,
		}
	}
	if ticket.ReviewedAt != nil {
		payload.ReviewedAtSeconds = ticket.ReviewedAt.Unix()
	}
	return payload
}

func (h *httpHandler) ticketListPayload(ctx context.Context, listed []tickets.Ticket) ([]ticketPayload, error) {
	ids := make([]string, 0, len(listed))
	for _, ticket := range listed {
		ids = append(ids, ticket.TicketID)
	}
	upvoters, err := h.tickets.UpvotersByTicket(ctx, ids)
	if err != nil {
		return nil, err
	}
	payload := make([]ticketPayload, 0, len(listed))
	for _, ticket := range listed {
		payload = append(payload, newTicketPayload(ticket, upvoters[ticket.TicketID]))
	}
	return payload, nil
}

type createTicketPayload struct {
	RoomID          string `json:"room_id"`
	RoomLabel       string `json:"room_label"`
	Category        string `json:"category"`
	Description     string `json:"description"`
	PhotoURL        string `json:"photo_url"`
	AcknowledgeRisk bool   `json:"acknowledge_risk"`
}

func (h *httpHandler) handleCreateTicket(c *gin.Context) {
	actor := currentActor(c)
	var request createTicketPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ticket, err := h.tickets.Create(c.Request.Context(), actor, tickets.CreateRequest{
		RoomID:          request.RoomID,
		RoomLabel:       request.RoomLabel,
		Category:        request.Category,
		Description:     request.Description,
		PhotoURL:        request.PhotoURL,
		AcknowledgeRisk: request.AcknowledgeRisk,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishTicketEvent(ticket)
	c.JSON(http.StatusCreated, newTicketPayload(ticket, nil))
}

func (h *httpHandler) handleToggleUpvote(c *gin.Context) {
	actor := currentActor(c)
	ticket, added, err := h.tickets.ToggleUpvote(c.Request.Context(), actor, c.Param("ticketId"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	upvoters, err := h.tickets.Upvoters(c.Request.Context(), ticket.TicketID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishTicketEvent(ticket)
	c.JSON(http.StatusOK, gin.H{
		"ticket": newTicketPayload(ticket, upvoters),
		"added":  added,
	})
}

func (h *httpHandler) handleListRoomTickets(c *gin.Context) {
	listed, err := h.tickets.ListRoomTickets(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload, err := h.ticketListPayload(c.Request.Context(), listed)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": payload})
}

func (h *httpHandler) handleMyTickets(c *gin.Context) {
	actor := currentActor(c)
	listed, err := h.tickets.ListReporterTickets(c.Request.Context(), actor.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload, err := h.ticketListPayload(c.Request.Context(), listed)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": payload})
}

func (h *httpHandler) handleMarkInProgress(c *gin.Context) {
	actor := currentActor(c)
	ticket, err := h.tickets.MarkInProgress(c.Request.Context(), actor, c.Param("ticketId"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishTicketEvent(ticket)
	c.JSON(http.StatusOK, newTicketPayload(ticket, nil))
}

type reviewRequestPayload struct {
	ReporterUserID     string `json:"reporter_user_id"`
	Verdict            string `json:"verdict"`
	StaffNote          string `json:"staff_note"`
	ResolutionImageURL string `json:"resolution_image_url"`
}

func (h *httpHandler) handleReview(c *gin.Context) {
	actor := currentActor(c)
	var request reviewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.tickets.Review(c.Request.Context(), actor, tickets.ReviewRequest{
		TicketID:           c.Param("ticketId"),
		ReporterUserID:     request.ReporterUserID,
		Verdict:            request.Verdict,
		StaffNote:          request.StaffNote,
		ResolutionImageURL: request.ResolutionImageURL,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.publishTicketEvent(outcome.Ticket)
	c.JSON(http.StatusOK, gin.H{
		"ticket":          newTicketPayload(outcome.Ticket, nil),
		"karma_change":    outcome.KarmaChange,
		"reporter_karma":  outcome.Reputation.Karma,
		"reporter_banned": outcome.Reputation.IsBanned,
	})
}

func (h *httpHandler) handleHeatmap(c *gin.Context) {
	counts, err := h.tickets.RoomOpenCounts(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func (h *httpHandler) handleTicketStats(c *gin.Context) {
	totals, err := h.tickets.CountByStatus(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":        totals.Open,
		"in_progress": totals.InProgress,
		"resolved":    totals.Resolved,
		"fake":        totals.Fake,
	})
}

// publishTicketEvent fans one ticket mutation out to the room, reporter and
// heatmap topics. Live subscriptions pick the change up passively; the
// mutation itself has already committed.
func (h *httpHandler) publishTicketEvent(ticket tickets.Ticket) {
	now := time.Now().UTC()
	for _, topic := range []string{
		RoomTopic(ticket.RoomID),
		ReporterTopic(ticket.CreatedBy.UserID),
		TopicHeatmap,
	} {
		h.dispatcher.Publish(Event{
			Topic:     topic,
			EventType: EventTicketChanged,
			TicketID:  ticket.TicketID,
			RoomID:    ticket.RoomID,
			Timestamp: now,
		})
	}
}

// respondServiceError maps service failures onto statuses that let callers
// distinguish "needs different input" from "already handled" from "safe to
// retry".
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	code := ""
	var serviceErr *tickets.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, tickets.ErrMissingEvidence),
		errors.Is(err, tickets.ErrRiskNotAcknowledged),
		errors.Is(err, tickets.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "code": code, "detail": err.Error()})
	case errors.Is(err, tickets.ErrPolicyBlocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "evidence_rejected", "code": code, "detail": err.Error()})
	case errors.Is(err, tickets.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": code})
	case errors.Is(err, tickets.ErrReporterBanned):
		c.JSON(http.StatusForbidden, gin.H{"error": "reporter_banned", "code": code})
	case errors.Is(err, tickets.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket_not_found", "code": code})
	case errors.Is(err, tickets.ErrReporterMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "reporter_mismatch", "code": code, "retryable": false})
	case errors.Is(err, tickets.ErrAlreadyReviewed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed", "code": code, "retryable": false})
	case errors.Is(err, tickets.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "code": code, "retryable": true})
	case errors.Is(err, tickets.ErrClassifierUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier_unavailable", "code": code})
	default:
		h.logger.Error("ticket operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}
