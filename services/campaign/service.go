package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"partners-controlplane/pkg/db/pagination"
	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/mailer"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/notification"
	"partners-controlplane/services/program"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PageSize  = 50
	ChunkSize = 100
)

// BroadcastRequest sends a campaign. With PartnerID set only that partner is
// considered, using Attributes when given and the metrics store otherwise.
// Without it one page of the audience after Cursor is processed.
type BroadcastRequest struct {
	CampaignID string
	PartnerID  string
	Attributes condition.Attributes
	Cursor     string
}

type BroadcastResult struct {
	Sent       int
	Skipped    int
	NextCursor string
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Node        *snowflake.Node
	Programs    program.Repository
	Evaluator   *condition.Evaluator
	Notifier    *notification.Notifier
	Coordinator schedule.Coordinator
	Logger      *zap.Logger `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	programs    program.Repository
	evaluator   *condition.Evaluator
	notifier    *notification.Notifier
	coordinator schedule.Coordinator
	logger      *zap.Logger
}

func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		programs:    p.Programs,
		evaluator:   p.Evaluator,
		notifier:    p.Notifier,
		coordinator: p.Coordinator,
		logger:      logger.Named("campaign"),
	}
}

func (s *Service) getCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	var c Campaign
	err := s.db.WithContext(ctx).Preload("Groups").Where("id = ?", campaignID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("campaign not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Broadcast delivers the campaign to its remaining audience. Partners already
// in the ledger are skipped, so a failed call can be retried as a whole.
func (s *Service) Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error) {
	c, err := s.getCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("campaign_id", c.ID), zap.String("program_id", c.ProgramID))

	if !c.Sendable() {
		log.Info("campaign is not sendable, skipping", zap.String("status", string(c.Status)))
		return &BroadcastResult{}, nil
	}
	cond, err := c.Condition()
	if err != nil {
		return nil, err
	}

	var audience []program.ProgramEnrollment
	result := &BroadcastResult{}
	if req.PartnerID != "" {
		audience, err = s.resolvePartner(ctx, c, cond, req)
	} else {
		audience, result.NextCursor, err = s.resolvePage(ctx, c, cond, req.Cursor)
	}
	if err != nil {
		return nil, err
	}

	recipients, err := s.excludeLedgered(ctx, c.ID, audience)
	if err != nil {
		return nil, err
	}
	result.Skipped = len(audience) - len(recipients)

	if len(recipients) > 0 {
		prog, err := s.programs.GetProgram(ctx, c.ProgramID)
		if err != nil {
			return nil, err
		}
		for start := 0; start < len(recipients); start += ChunkSize {
			chunk := recipients[start:min(start+ChunkSize, len(recipients))]
			sent, err := s.sendChunk(ctx, c, prog, chunk)
			result.Sent += sent
			if err != nil {
				return result, fmt.Errorf("broadcast campaign %s: %w", c.ID, err)
			}
		}
	}

	if req.PartnerID == "" {
		s.advance(ctx, log, c, result.NextCursor)
	}

	log.Info("campaign broadcast processed",
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Bool("more", result.NextCursor != ""))
	return result, nil
}

func (s *Service) resolvePartner(ctx context.Context, c *Campaign, cond *condition.Condition, req BroadcastRequest) ([]program.ProgramEnrollment, error) {
	e, err := s.programs.GetEnrollment(ctx, c.ProgramID, req.PartnerID)
	if err != nil {
		return nil, err
	}
	if e.Status != program.EnrollmentApproved || !inGroups(e, c.GroupIDs()) {
		return nil, nil
	}
	if cond == nil {
		return []program.ProgramEnrollment{*e}, nil
	}

	attrs := req.Attributes
	if attrs == nil {
		if attrs, err = s.programs.Snapshot(ctx, c.ProgramID, req.PartnerID); err != nil {
			return nil, err
		}
	}
	if !s.evaluator.Evaluate(*cond, attrs) {
		return nil, nil
	}
	return []program.ProgramEnrollment{*e}, nil
}

func (s *Service) resolvePage(ctx context.Context, c *Campaign, cond *condition.Condition, rawCursor string) ([]program.ProgramEnrollment, string, error) {
	cursor, err := pagination.DecodeCursor(rawCursor)
	if err != nil {
		return nil, "", errutil.BadRequest("invalid broadcast cursor", err)
	}

	page, err := s.programs.ListEnrollments(ctx, program.EnrollmentQuery{
		ProgramID: c.ProgramID,
		GroupIDs:  c.GroupIDs(),
		Status:    program.EnrollmentApproved,
		Cursor:    cursor,
		Limit:     PageSize,
	})
	if err != nil {
		return nil, "", err
	}
	next, err := pagination.Next(page, PageSize, func(e program.ProgramEnrollment) string { return e.ID })
	if err != nil {
		return nil, "", err
	}
	if cond == nil || len(page) == 0 {
		return page, next, nil
	}

	ids := make([]string, 0, len(page))
	for _, e := range page {
		ids = append(ids, e.PartnerID)
	}
	snapshots, err := s.programs.Snapshots(ctx, c.ProgramID, ids)
	if err != nil {
		return nil, "", err
	}

	matched := page[:0]
	for _, e := range page {
		if s.evaluator.Evaluate(*cond, snapshots[e.PartnerID]) {
			matched = append(matched, e)
		}
	}
	return matched, next, nil
}

func inGroups(e *program.ProgramEnrollment, groupIDs []string) bool {
	if len(groupIDs) == 0 {
		return true
	}
	for _, id := range groupIDs {
		if e.InGroup(id) {
			return true
		}
	}
	return false
}

// excludeLedgered drops partners that already received the campaign. The
// check and the later insert are not atomic.
func (s *Service) excludeLedgered(ctx context.Context, campaignID string, audience []program.ProgramEnrollment) ([]program.ProgramEnrollment, error) {
	if len(audience) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(audience))
	for _, e := range audience {
		ids = append(ids, e.PartnerID)
	}

	var sent []string
	if err := s.db.WithContext(ctx).
		Model(&NotificationEmail{}).
		Where("campaign_id = ? AND partner_id IN ?", campaignID, ids).
		Distinct().
		Pluck("partner_id", &sent).Error; err != nil {
		return nil, fmt.Errorf("load campaign ledger: %w", err)
	}
	already := make(map[string]struct{}, len(sent))
	for _, id := range sent {
		already[id] = struct{}{}
	}

	out := make([]program.ProgramEnrollment, 0, len(audience))
	for _, e := range audience {
		if _, ok := already[e.PartnerID]; ok {
			continue
		}
		if e.Partner.Email == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) sendChunk(ctx context.Context, c *Campaign, prog *program.Program, chunk []program.ProgramEnrollment) (int, error) {
	emails := make([]mailer.Email, 0, len(chunk))
	for _, e := range chunk {
		vars := notification.Vars{
			"partner.name":  e.Partner.Name,
			"partner.email": e.Partner.Email,
			"program.name":  prog.Name,
		}
		emails = append(emails, mailer.Email{
			To:      e.Partner.Email,
			Subject: notification.Render(c.Subject, vars),
			Text:    notification.Render(c.Body, vars),
			ReplyTo: prog.SupportEmail,
		})
	}

	results, err := s.notifier.Send(ctx, "campaign", emails)
	if err != nil {
		return 0, err
	}
	if len(results) != len(chunk) {
		s.logger.Warn("provider returned unexpected result count",
			zap.String("campaign_id", c.ID), zap.Int("sent", len(chunk)), zap.Int("results", len(results)))
	}

	rows := make([]NotificationEmail, 0, len(chunk))
	for i, e := range chunk {
		var messageID string
		if i < len(results) {
			messageID = results[i].MessageID
		}
		rows = append(rows, NotificationEmail{
			ID:         s.node.Generate().String(),
			ProgramID:  c.ProgramID,
			CampaignID: c.ID,
			PartnerID:  e.PartnerID,
			Email:      e.Partner.Email,
			MessageID:  messageID,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return len(chunk), fmt.Errorf("write campaign ledger: %w", err)
	}
	return len(chunk), nil
}

// advance moves a marketing campaign through sending to sent and queues the
// next page while there is one.
func (s *Service) advance(ctx context.Context, log *zap.Logger, c *Campaign, next string) {
	if next == "" {
		if c.Type == TypeMarketing {
			s.setStatus(ctx, log, c.ID, StatusSent)
		}
		return
	}
	if c.Type == TypeMarketing && c.Status != StatusSending {
		s.setStatus(ctx, log, c.ID, StatusSending)
	}

	body, err := json.Marshal(BroadcastPayload{CampaignID: c.ID, Cursor: next})
	if err != nil {
		log.Warn("failed to encode broadcast continuation", zap.Error(err))
		return
	}
	if _, err := s.coordinator.Publish(ctx, schedule.Message{
		ID:          fmt.Sprintf("%s:%s:%s", taskname.CampaignBroadcast, c.ID, next),
		Destination: taskname.CampaignBroadcast,
		Body:        body,
	}); err != nil {
		log.Warn("failed to publish broadcast continuation", zap.String("cursor", next), zap.Error(err))
	}
}

func (s *Service) setStatus(ctx context.Context, log *zap.Logger, campaignID string, status Status) {
	if err := s.db.WithContext(ctx).Model(&Campaign{}).
		Where("id = ?", campaignID).
		Update("status", status).Error; err != nil {
		log.Warn("failed to update campaign status", zap.String("status", string(status)), zap.Error(err))
	}
}

// Schedule arranges a broadcast at at, replacing any previous schedule.
func (s *Service) Schedule(ctx context.Context, campaignID string, at time.Time) (*Campaign, error) {
	c, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Type != TypeMarketing {
		return nil, errutil.UnprocessableEntity("only marketing campaigns can be scheduled", nil)
	}
	if c.Status == StatusSending || c.Status == StatusSent {
		return nil, errutil.Conflict(fmt.Sprintf("campaign is already %s", c.Status), nil)
	}
	log := s.logger.With(zap.String("campaign_id", c.ID))
	s.deleteScheduledMessage(ctx, log, c)

	body, err := json.Marshal(BroadcastPayload{CampaignID: c.ID})
	if err != nil {
		return nil, err
	}
	messageID, err := s.coordinator.Publish(ctx, schedule.Message{
		ID:          fmt.Sprintf("%s:%s:%d", taskname.CampaignBroadcast, c.ID, at.Unix()),
		Destination: taskname.CampaignBroadcast,
		Body:        body,
		NotBefore:   at,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule campaign %s: %w", c.ID, err)
	}

	scheduledAt := at.UTC()
	c.Status = StatusScheduled
	c.ScheduledAt = &scheduledAt
	c.ScheduleMessageID = &messageID
	if err := s.db.WithContext(ctx).Model(&Campaign{ID: c.ID}).Updates(map[string]any{
		"status":              c.Status,
		"scheduled_at":        c.ScheduledAt,
		"schedule_message_id": c.ScheduleMessageID,
	}).Error; err != nil {
		return nil, err
	}
	log.Info("campaign scheduled", zap.Time("scheduled_at", scheduledAt))
	return c, nil
}

// Cancel stops a scheduled campaign. Deleting the queued broadcast is best
// effort; once canceled the campaign is no longer sendable anyway.
func (s *Service) Cancel(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("campaign_id", c.ID))
	s.deleteScheduledMessage(ctx, log, c)

	c.Status = StatusCanceled
	c.ScheduleMessageID = nil
	if err := s.db.WithContext(ctx).Model(&Campaign{ID: c.ID}).Updates(map[string]any{
		"status":              c.Status,
		"schedule_message_id": nil,
	}).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) deleteScheduledMessage(ctx context.Context, log *zap.Logger, c *Campaign) {
	if c.ScheduleMessageID == nil || *c.ScheduleMessageID == "" {
		return
	}
	if err := s.coordinator.DeleteMessage(ctx, *c.ScheduleMessageID); err != nil {
		log.Warn("failed to delete scheduled campaign message",
			zap.String("message_id", *c.ScheduleMessageID), zap.Error(err))
	}
}
