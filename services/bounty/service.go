package bounty

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"partners-controlplane/pkg/db/option"
	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/program"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PerformanceEvent adds Increment to a partner's progress on a bounty.
// Condition is evaluated against the updated performance count. An event with
// an EventID is counted at most once per submission.
type PerformanceEvent struct {
	EventID   string
	ProgramID string
	BountyID  string
	PartnerID string
	Increment int64
	Condition condition.Condition
}

// Outcome describes the result of a recorded event. Transitioned is set when
// the submission left draft during this call; Duplicate when the event had
// already been counted.
type Outcome struct {
	Submission   *Submission
	Commission   *Commission
	Transitioned bool
	Duplicate    bool
}

// NotifyPayload is the body of the partner and owner notification tasks.
type NotifyPayload struct {
	ProgramID    string           `json:"program_id"`
	BountyID     string           `json:"bounty_id"`
	PartnerID    string           `json:"partner_id"`
	SubmissionID string           `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Node        *snowflake.Node
	Programs    program.Repository
	Evaluator   *condition.Evaluator
	Coordinator schedule.Coordinator
	Logger      *zap.Logger `optional:"true"`
}

type Service struct {
	repo        Repository
	programs    program.Repository
	evaluator   *condition.Evaluator
	coordinator schedule.Coordinator
	issue       CommissionIssuer
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        NewRepository(p.DB, p.Node),
		programs:    p.Programs,
		evaluator:   p.Evaluator,
		coordinator: p.Coordinator,
		issue:       NewCommissionIssuer(p.Node),
		logger:      logger.Named("bounty"),
		now:         time.Now,
	}
}

// RecordPerformanceEvent applies ev to the partner's submission. It returns a
// nil outcome when the bounty is inactive or the partner is not eligible.
func (s *Service) RecordPerformanceEvent(ctx context.Context, ev PerformanceEvent) (*Outcome, error) {
	if err := ev.Condition.Validate(); err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("program_id", ev.ProgramID),
		zap.String("bounty_id", ev.BountyID),
		zap.String("partner_id", ev.PartnerID),
	)

	b, err := s.repo.GetBounty(ctx, ev.ProgramID, ev.BountyID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !b.Active(now) {
		log.Debug("bounty is not active, skipping")
		return nil, nil
	}
	if b.Type == TypePerformance && b.RewardAmount == nil {
		return nil, errutil.ValidationFailed(fmt.Sprintf("performance bounty %s has no reward amount", b.ID), nil)
	}
	if len(b.Groups) > 0 {
		enrollment, err := s.programs.GetEnrollment(ctx, ev.ProgramID, ev.PartnerID)
		if err != nil {
			return nil, err
		}
		if !b.Eligible(enrollment.GroupID) {
			log.Debug("partner group not eligible for bounty, skipping")
			return nil, nil
		}
	}

	increment := max(ev.Increment, 0)
	outcome := &Outcome{}

	sub, err := s.repo.Transition(ctx, Key{ProgramID: ev.ProgramID, BountyID: b.ID, PartnerID: ev.PartnerID},
		func(tx *gorm.DB, sub *Submission) (bool, error) {
			if sub.Status == StatusApproved {
				return false, nil
			}
			if ev.EventID != "" {
				res := tx.Scopes(option.InsertIgnore("submission_id", "event_id")).
					Create(&SubmissionEvent{SubmissionID: sub.ID, EventID: ev.EventID, Increment: increment})
				if res.Error != nil {
					return false, res.Error
				}
				if res.RowsAffected == 0 {
					outcome.Duplicate = true
					return false, nil
				}
			}

			sub.PerformanceCount += increment
			if sub.Status != StatusDraft || sub.CommissionID != nil {
				return increment > 0, nil
			}

			count := sub.PerformanceCount
			met := s.evaluator.Evaluate(ev.Condition, condition.Attributes{ev.Condition.Attribute: &count})
			if !met {
				return increment > 0, nil
			}

			completedAt := now
			sub.CompletedAt = &completedAt
			outcome.Transitioned = true

			if b.Type == TypeSubmission {
				sub.Status = StatusSubmitted
				return true, nil
			}

			c, err := s.issue(ctx, tx, CommissionRequest{
				ProgramID:   ev.ProgramID,
				PartnerID:   ev.PartnerID,
				BountyID:    b.ID,
				Amount:      *b.RewardAmount,
				Description: fmt.Sprintf("Commission for successfully completed %q bounty.", b.Name),
			})
			if err != nil {
				return false, err
			}
			sub.CommissionID = &c.ID
			sub.Status = StatusApproved
			sub.ReviewedAt = &completedAt
			outcome.Commission = c
			return true, nil
		})
	if err != nil {
		return nil, fmt.Errorf("record bounty %s progress for %s: %w", ev.BountyID, ev.PartnerID, err)
	}
	outcome.Submission = sub
	if outcome.Duplicate {
		log.Debug("event already counted", zap.String("event_id", ev.EventID))
	}

	if outcome.Transitioned {
		log.Info("bounty submission transitioned",
			zap.String("status", string(sub.Status)),
			zap.Int64("performance_count", sub.PerformanceCount))
		s.publishNotifications(ctx, sub)
	}
	return outcome, nil
}

// publishNotifications queues the partner and owner emails. Failures are
// logged; the committed transition stands.
func (s *Service) publishNotifications(ctx context.Context, sub *Submission) {
	body, err := json.Marshal(NotifyPayload{
		ProgramID:    sub.ProgramID,
		BountyID:     sub.BountyID,
		PartnerID:    sub.PartnerID,
		SubmissionID: sub.ID,
		Status:       sub.Status,
	})
	if err != nil {
		s.logger.Warn("failed to encode bounty notification", zap.Error(err))
		return
	}

	for _, dest := range []string{taskname.BountyNotifyPartner, taskname.BountyNotifyOwners} {
		_, err := s.coordinator.Publish(ctx, schedule.Message{
			ID:          fmt.Sprintf("%s:%s:%s", dest, sub.ID, sub.Status),
			Destination: dest,
			Body:        body,
		})
		if err != nil {
			s.logger.Warn("failed to publish bounty notification",
				zap.String("task_type", dest),
				zap.String("submission_id", sub.ID),
				zap.Error(err))
		}
	}
}

// SeedDraftSubmissions creates draft submissions for every active performance
// bounty open to groupID, so partners who join a group see its bounties.
func (s *Service) SeedDraftSubmissions(ctx context.Context, programID, groupID string, partnerIDs []string) (int64, error) {
	if len(partnerIDs) == 0 {
		return 0, nil
	}

	bounties, err := s.repo.ListActivePerformanceBounties(ctx, programID, s.now())
	if err != nil {
		return 0, fmt.Errorf("list bounties for program %s: %w", programID, err)
	}

	var keys []Key
	for i := range bounties {
		b := &bounties[i]
		if !b.Eligible(&groupID) {
			continue
		}
		for _, partnerID := range partnerIDs {
			keys = append(keys, Key{ProgramID: programID, BountyID: b.ID, PartnerID: partnerID})
		}
	}

	created, err := s.repo.CreateDrafts(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("seed draft submissions: %w", err)
	}
	s.logger.Info("seeded draft bounty submissions",
		zap.String("program_id", programID),
		zap.String("group_id", groupID),
		zap.Int64("created", created))
	return created, nil
}
